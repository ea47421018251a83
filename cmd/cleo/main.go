// Command cleo migrates, backs up and restores the task store of a cleo
// project.
package main

import "github.com/mesh-intelligence/cleo/internal/cli"

func main() {
	cli.Execute()
}

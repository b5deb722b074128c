package main

import "github.com/gkatanacio/hyperdl/cmd"

func main() {
	cmd.Execute()
}

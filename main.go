package main

import "github.com/BioHazard786/warpmesh/cmd"

func main() {
	cmd.Execute()
}

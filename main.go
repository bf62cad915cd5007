package main

import "github.com/nextmesh/meshgate/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/apeirography/comfy-bootstrap/cmd/comfy-bootstrap/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/arunabot/arunacore/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/pairlink/pairlink/cmd"

func main() {
	cmd.Execute()
}

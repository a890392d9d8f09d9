package main

import "github.com/MeKo-Tech/markscan/cmd/markscan/cmd"

func main() {
	cmd.Execute()
}

package main

import "maxrelay/cmd"

func main() {
	cmd.Execute()
}

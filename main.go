package main

import "grimm.is/bastion/cmd"

func main() {
	cmd.Execute()
}

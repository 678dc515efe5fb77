package main

import "github.com/mdunnam/XMDToolBox4v2/cmd/toolbox/cmd"

func main() {
	cmd.Execute()
}

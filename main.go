package main

import "github.com/GethosTheWalrus/ollamacord/cmd"

func main() {
	cmd.Execute()
}

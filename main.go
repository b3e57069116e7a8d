package main

import "github.com/emakarov/megobari-sub000/cmd"

func main() {
	cmd.Execute()
}

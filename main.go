package main

import "github.com/tanq16/parcel/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/omriariav/FaceFindr/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/turbolytics/mapfiles/internal/cmd"

func main() {
	cmd.Execute()
}

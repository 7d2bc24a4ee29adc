package main

import "github.com/example/face-embeddings/cmd"

func main() {
	cmd.Execute()
}

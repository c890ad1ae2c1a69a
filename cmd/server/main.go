package main

import "github.com/eleven-am/avatar-relay/internal/bootstrap"

func main() {
	bootstrap.Run()
}

package main

import "porter/internal/porter"

func main() {
	porter.Main()
}

package main

import "fmt"

//go:noinline
func fixtureTarget(n int) int {
	return n*2 + 1
}

func main() {
	fmt.Println(fixtureTarget(20))
}

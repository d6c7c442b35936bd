package main

import (
	// Embedded zone database so TIMEZONE works in minimal container images.
	_ "time/tzdata"
)

func main() {
	Execute()
}

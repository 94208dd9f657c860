package main

import (
	// Services need to be imported here to be instantiated.
	_ "github.com/dedis/randwinner/lottery"
	_ "github.com/dedis/randwinner/oracle"
	"go.dedis.ch/onet/v3/simul"
)

func main() {
	simul.Start()
}

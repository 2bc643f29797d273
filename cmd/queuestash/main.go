package main

import (
	"os"

	"github.com/nuetzliches/queuestash/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

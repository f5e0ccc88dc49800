package main

import (
	"os"

	"github.com/nuetzliches/updategate/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

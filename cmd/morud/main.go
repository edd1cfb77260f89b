package main

import (
	"os"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

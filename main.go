package main

import (
	"github.com/snowmanjy/ai2qa/cmd"
)

func main() {
	cmd.Execute()
}

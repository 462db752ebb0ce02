package main

import "github.com/dayuer/convai-widget/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/sujun1972/stock-analysis-sub000/cmd/datavc/cmd"

func main() {
	cmd.Execute()
}

package main

import (
	"os"

	"admitflow/cmd/cli"
)

func main() {
	// 不带子命令时直接启动服务
	if len(os.Args) == 1 {
		cli.ExecuteArgs([]string{"run"})
		return
	}
	cli.Execute()
}

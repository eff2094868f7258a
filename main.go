package main

import "github.com/smskit/campaign-dispatch/cmd"

func main() { cmd.Execute() }

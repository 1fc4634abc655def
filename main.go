package main

import "github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/cmd"

func main() {
	cmd.Execute()
}

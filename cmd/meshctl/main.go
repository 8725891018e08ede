package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

var client = &http.Client{Timeout: 35 * time.Second}

func main() {
	server := flag.String("server", "http://localhost:8080", "agentmesh server URL")
	flag.Parse()

	fmt.Println("agentmesh console")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Commands: /agents, /health, /providers, /probe, /models, /usage, /stats [window], /metrics <agent-id>, exit")
	fmt.Println("---")

	fetchAgentHealth(*server)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		case "/agents", "/health":
			fetchAgentHealth(*server)
		case "/providers":
			fetchProviders(*server, false)
		case "/probe":
			fetchProviders(*server, true)
		case "/models":
			fetchModels(*server)
		case "/usage":
			fetchUsage(*server)
		case "/stats":
			window := "24h"
			if len(fields) > 1 {
				window = fields[1]
			}
			fetchStats(*server, window)
		case "/metrics":
			if len(fields) < 2 {
				printError("usage: /metrics <agent-id>")
				continue
			}
			fetchAgentMetrics(*server, fields[1])
		default:
			printError("unknown command %q", fields[0])
		}
	}
}

func getJSON(url string, v interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func fetchAgentHealth(server string) {
	var agents []struct {
		AgentID     string `json:"agent_id"`
		Status      string `json:"status"`
		CurrentTask string `json:"current_task"`
		TaskCount   int    `json:"task_count"`
	}
	if err := getJSON(server+"/api/agents/health", &agents); err != nil {
		printError("Failed to fetch agents: %v", err)
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		fmt.Printf("  %s %-26s tasks=%d", statusIcon(a.Status == "healthy"), a.AgentID, a.TaskCount)
		if a.Status != "healthy" {
			fmt.Printf(" \033[33m(%s)\033[0m", a.Status)
		}
		if a.CurrentTask != "" {
			fmt.Printf(" current=%s", a.CurrentTask)
		}
		fmt.Println()
	}
}

func fetchProviders(server string, probe bool) {
	url := server + "/api/providers/health"
	if probe {
		url += "?probe=true"
	}
	var health map[string]struct {
		Healthy   bool          `json:"healthy"`
		LastCheck time.Time     `json:"last_check"`
		Latency   time.Duration `json:"latency"`
	}
	if err := getJSON(url, &health); err != nil {
		printError("Failed to fetch provider health: %v", err)
		return
	}
	if len(health) == 0 {
		fmt.Println("No provider has been checked yet. Try /probe.")
		return
	}
	fmt.Println("Providers:")
	for _, id := range sortedKeys(health) {
		h := health[id]
		fmt.Printf("  %s %s latency=%s checked=%s\n", statusIcon(h.Healthy), id, h.Latency, h.LastCheck.Format(time.RFC3339))
	}
}

func fetchModels(server string) {
	var models map[string][]struct {
		ID        string `json:"id"`
		MaxTokens int    `json:"max_tokens"`
	}
	if err := getJSON(server+"/api/providers/models", &models); err != nil {
		printError("Failed to fetch models: %v", err)
		return
	}
	for _, id := range sortedKeys(models) {
		fmt.Printf("%s:\n", id)
		for _, m := range models[id] {
			if m.MaxTokens > 0 {
				fmt.Printf("  %s (max %d tokens)\n", m.ID, m.MaxTokens)
			} else {
				fmt.Printf("  %s\n", m.ID)
			}
		}
	}
}

func fetchUsage(server string) {
	var usage map[string]int64
	if err := getJSON(server+"/api/providers/usage", &usage); err != nil {
		printError("Failed to fetch usage: %v", err)
		return
	}
	fmt.Println("Requests per provider:")
	for _, id := range sortedKeys(usage) {
		fmt.Printf("  %-16s %d\n", id, usage[id])
	}
}

func fetchStats(server, window string) {
	var stats struct {
		TotalDecisions       int            `json:"total_decisions"`
		ModelsUsed           map[string]int `json:"models_used"`
		AvgCostPerTask       float64        `json:"avg_cost_per_task"`
		TotalEstimatedCost   float64        `json:"total_estimated_cost"`
		StrategyDistribution map[string]int `json:"strategy_distribution"`
	}
	if err := getJSON(server+"/api/routing/stats?window="+window, &stats); err != nil {
		printError("Failed to fetch routing stats: %v", err)
		return
	}
	fmt.Printf("Routing decisions in the last %s: %d\n", window, stats.TotalDecisions)
	fmt.Printf("  estimated cost: total $%.4f, per task $%.4f\n", stats.TotalEstimatedCost, stats.AvgCostPerTask)
	for _, m := range sortedKeys(stats.ModelsUsed) {
		fmt.Printf("  model %-24s %d\n", m, stats.ModelsUsed[m])
	}
	for _, s := range sortedKeys(stats.StrategyDistribution) {
		fmt.Printf("  strategy %-21s %d\n", s, stats.StrategyDistribution[s])
	}
}

func fetchAgentMetrics(server, agentID string) {
	var m struct {
		TotalTasks        int           `json:"total_tasks"`
		CompletedTasks    int           `json:"completed_tasks"`
		FailedTasks       int           `json:"failed_tasks"`
		ActiveTasks       int           `json:"active_tasks"`
		SuccessRate       float64       `json:"success_rate"`
		AvgCompletionTime time.Duration `json:"avg_completion_time"`
	}
	if err := getJSON(server+"/api/agents/"+agentID+"/metrics", &m); err != nil {
		printError("Failed to fetch metrics: %v", err)
		return
	}
	fmt.Printf("\033[36m[%s]\033[0m total=%d completed=%d failed=%d active=%d success=%.1f%% avg=%s\n",
		agentID, m.TotalTasks, m.CompletedTasks, m.FailedTasks, m.ActiveTasks, m.SuccessRate, m.AvgCompletionTime)
}

func statusIcon(ok bool) string {
	if ok {
		return "\033[32m✓\033[0m"
	}
	return "\033[31m✗\033[0m"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aridsondez/eventqueue/pkg/client"
)

const (
	agentURL     = "http://localhost:8088"
	collectorURL = "http://localhost:9000"
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

var agent = client.NewClient(agentURL)

func main() {
	printHeader()

	if !checkServer(agentURL+"/healthz") || !checkServer(collectorURL+"/control/status") {
		fmt.Printf("%s✗ Agent or collector not running. Start both first.%s\n", colorRed, colorReset)
		os.Exit(1)
	}
	fmt.Printf("%s✓ Agent and collector are running%s\n\n", colorGreen, colorReset)

	ctx := context.Background()
	scenario1Delivery(ctx)
	time.Sleep(2 * time.Second)

	scenario2ServiceUnavailable(ctx)
	time.Sleep(2 * time.Second)

	scenario3DiscardWindow(ctx)

	printFooter()
}

func printHeader() {
	fmt.Print(colorCyan + colorBold)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║         EVENT QUEUE AGENT - INTERACTIVE DEMO               ║")
	fmt.Println("║         Durable capture with backoff & discard             ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	fmt.Print(colorCyan)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Demo Complete!                          ║")
	fmt.Println("║  View live metrics at: http://localhost:8088/metrics       ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
}

func printScenario(title string) {
	fmt.Printf("%s%s%s\n", colorBold+colorBlue, title, colorReset)
	fmt.Println(strings.Repeat("─", 60))
}

func checkServer(url string) bool {
	resp, err := http.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func setCollectorStatus(code int) {
	req, _ := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/control/status/%d", collectorURL, code), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal("set collector status: %v", err)
	}
	resp.Body.Close()
	fmt.Printf("%s→ Collector now answers %d%s\n", colorYellow, code, colorReset)
}

func capture(ctx context.Context, n int, source string) {
	events := make([]client.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, client.Event{
			Type:    "log",
			Source:  source,
			Message: fmt.Sprintf("demo event %d", i+1),
			Tags:    []string{"demo"},
		})
	}
	accepted, err := agent.Capture(ctx, events...)
	if err != nil {
		fatal("capture: %v", err)
	}
	fmt.Printf("%s✓ Captured %d events%s\n", colorGreen, accepted, colorReset)
}

func processNow(ctx context.Context) {
	if err := agent.Process(ctx, 0); err != nil {
		fatal("process: %v", err)
	}
	fmt.Printf("%s→ Drain cycle triggered%s\n", colorYellow, colorReset)
	time.Sleep(time.Second)
}

func showStatus(ctx context.Context) client.Status {
	st, err := agent.Status(ctx)
	if err != nil {
		fatal("status: %v", err)
	}
	pending := "?"
	if st.Pending != nil {
		pending = fmt.Sprint(*st.Pending)
	}
	fmt.Printf("  enabled=%v processing=%v pending=%s\n", st.Enabled, st.Processing, pending)
	if st.SuspendedUntil != nil {
		fmt.Printf("  %ssuspended until %s%s\n", colorRed, st.SuspendedUntil.Format(time.RFC3339), colorReset)
	}
	if st.DiscardingUntil != nil {
		fmt.Printf("  %sdiscarding until %s%s\n", colorRed, st.DiscardingUntil.Format(time.RFC3339), colorReset)
	}
	return st
}

func scenario1Delivery(ctx context.Context) {
	printScenario("Scenario 1: Capture → Drain → Delivered")
	setCollectorStatus(http.StatusAccepted)
	capture(ctx, 3, "demo.delivery")
	processNow(ctx)
	showStatus(ctx)
	fmt.Println()
}

func scenario2ServiceUnavailable(ctx context.Context) {
	printScenario("Scenario 2: Collector overloaded (503) → suspend, batch kept")
	setCollectorStatus(http.StatusServiceUnavailable)
	capture(ctx, 2, "demo.backoff")
	processNow(ctx)
	showStatus(ctx)

	fmt.Printf("%s→ Collector recovers; resuming manually%s\n", colorYellow, colorReset)
	setCollectorStatus(http.StatusAccepted)
	// A zero-length suspend is not possible; a 1ms window lapses straight away.
	if _, err := agent.Suspend(ctx, client.SuspendOptions{Duration: time.Millisecond}); err != nil {
		fatal("suspend: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	processNow(ctx)
	showStatus(ctx)
	fmt.Println()
}

func scenario3DiscardWindow(ctx context.Context) {
	printScenario("Scenario 3: Discard window drops new events")
	if _, err := agent.Suspend(ctx, client.SuspendOptions{Duration: 10 * time.Second, Discard: true}); err != nil {
		fatal("suspend: %v", err)
	}
	before := showStatus(ctx)
	capture(ctx, 5, "demo.discard")
	after := showStatus(ctx)
	if before.Pending != nil && after.Pending != nil && *before.Pending == *after.Pending {
		fmt.Printf("%s✓ Nothing was persisted while discarding%s\n", colorGreen, colorReset)
	}
	fmt.Println()
}

func fatal(format string, args ...any) {
	fmt.Printf("%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}

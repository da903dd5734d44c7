package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/orchestrator"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func clientFlags(fs *flag.FlagSet) func() *client {
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	token := fs.String("token", os.Getenv("RUMBLE_ADMIN_TOKEN"), "admin token (default: RUMBLE_ADMIN_TOKEN)")
	return func() *client {
		return &client{
			base:  strings.TrimRight(strings.TrimSpace(*baseURL), "/"),
			token: strings.TrimSpace(*token),
			http:  &http.Client{Timeout: 30 * time.Second},
		}
	}
}

func (c *client) do(method, path, body string, out any) error {
	req, err := http.NewRequest(method, c.base+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		var eb protocol.ErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Code != "" {
			return fmt.Errorf("%s: %s", eb.Code, eb.Message)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *client) status() orchestrator.Status {
	var st orchestrator.Status
	if err := c.do(http.MethodGet, "/v1/status", "", &st); err != nil {
		fatalf("status: %v", err)
	}
	return st
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	mk := clientFlags(fs)
	_ = fs.Parse(args)

	st := mk().status()
	pterm.DefaultSection.Printfln("Slots (as of %s, %s)", st.AsOf.Local().Format(time.TimeOnly), st.Consistency)
	_ = pterm.DefaultTable.WithHasHeader().WithData(slotRows(st)).Render()
	if st.AverageCycleMs > 0 {
		pterm.Info.Printfln("average cycle %s, %d queued", time.Duration(st.AverageCycleMs)*time.Millisecond, len(st.Queue))
	}
}

func slotRows(st orchestrator.Status) pterm.TableData {
	rows := pterm.TableData{{"Slot", "State", "Rumble", "Fighters", "Standing", "Turns", "Pools", "Ledger", "Since"}}
	for _, sl := range st.Slots {
		rumble, ledgerState := "-", "-"
		if sl.RumbleID != 0 {
			rumble = strconv.FormatUint(sl.RumbleID, 10)
		}
		if sl.LedgerState != "" {
			ledgerState = sl.LedgerState
			if sl.LedgerStale {
				ledgerState += " (stale)"
			}
		} else if sl.RumbleID != 0 && !sl.Onchain {
			ledgerState = pterm.Yellow("off-chain")
		}
		rows = append(rows, []string{
			strconv.Itoa(sl.SlotIndex),
			stateColor(sl.State),
			rumble,
			strconv.Itoa(len(sl.Fighters)),
			strconv.Itoa(sl.Remaining),
			strconv.Itoa(sl.TurnCount),
			formatSOL(sl.TotalDeployed),
			ledgerState,
			time.Since(sl.StateSince).Round(time.Second).String(),
		})
	}
	return rows
}

func stateColor(s string) string {
	switch s {
	case orchestrator.StateBetting:
		return pterm.Cyan(s)
	case orchestrator.StateCombat:
		return pterm.Red(s)
	case orchestrator.StatePayout:
		return pterm.Green(s)
	default:
		return pterm.Gray(s)
	}
}

func formatSOL(lamports uint64) string {
	return strconv.FormatFloat(float64(lamports)/1e9, 'f', 4, 64)
}

func queueCmd(args []string) {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	mk := clientFlags(fs)
	_ = fs.Parse(args)

	st := mk().status()
	if len(st.Queue) == 0 {
		pterm.Info.Println("queue is empty")
		return
	}
	rows := pterm.TableData{{"#", "Fighter", "Auto-requeue", "Waiting", "ETA"}}
	for _, q := range st.Queue {
		rows = append(rows, []string{
			strconv.Itoa(q.Position),
			q.FighterID,
			strconv.FormatBool(q.AutoRequeue),
			time.Since(q.JoinedAt).Round(time.Second).String(),
			(time.Duration(q.EstimatedWaitMs) * time.Millisecond).Round(time.Second).String(),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func oddsCmd(args []string) {
	fs := flag.NewFlagSet("odds", flag.ExitOnError)
	mk := clientFlags(fs)
	slot := fs.Int("slot", 0, "slot index")
	_ = fs.Parse(args)

	var odds orchestrator.Odds
	if err := mk().do(http.MethodGet, fmt.Sprintf("/v1/slots/%d/odds", *slot), "", &odds); err != nil {
		fatalf("odds: %v", err)
	}
	pterm.DefaultSection.Printfln("Rumble %d on slot %d (%s, %s SOL deployed)", odds.RumbleID, odds.SlotIndex, odds.LedgerState, formatSOL(odds.TotalDeployed))
	rows := pterm.TableData{{"#", "Fighter", "Pool", "Implied", "Multiple", "Placement"}}
	for _, f := range odds.Fighters {
		place := "-"
		if f.Placement > 0 {
			place = strconv.Itoa(f.Placement)
		}
		rows = append(rows, []string{
			strconv.Itoa(f.Index),
			f.FighterID,
			formatSOL(f.Pool),
			strconv.FormatFloat(f.ImpliedProbability*100, 'f', 1, 64) + "%",
			strconv.FormatFloat(f.Multiple, 'f', 2, 64) + "x",
			place,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func tickCmd(args []string) {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	mk := clientFlags(fs)
	_ = fs.Parse(args)

	var out struct {
		TookMs int64 `json:"took_ms"`
	}
	if err := mk().do(http.MethodPost, "/admin/v1/tick", "", &out); err != nil {
		fatalf("tick: %v", err)
	}
	pterm.Success.Printfln("tick done in %dms", out.TookMs)
}

func houseBotsCmd(args []string) {
	fs := flag.NewFlagSet("house-bots", flag.ExitOnError)
	mk := clientFlags(fs)
	count := fs.Int("count", 1, "number of house bots to queue")
	_ = fs.Parse(args)

	var out struct {
		Queued []string `json:"queued"`
	}
	if err := mk().do(http.MethodPost, "/admin/v1/house-bots", fmt.Sprintf(`{"count":%d}`, *count), &out); err != nil {
		fatalf("house-bots: %v", err)
	}
	pterm.Success.Printfln("queued %d house bots: %s", len(out.Queued), strings.Join(out.Queued, ", "))
}

func ensureOnchainCmd(args []string) {
	fs := flag.NewFlagSet("ensure-onchain", flag.ExitOnError)
	mk := clientFlags(fs)
	slot := fs.Int("slot", 0, "slot index")
	_ = fs.Parse(args)

	if err := mk().do(http.MethodPost, fmt.Sprintf("/admin/v1/slots/%d/ensure-onchain", *slot), "", nil); err != nil {
		fatalf("ensure-onchain: %v", err)
	}
	pterm.Success.Printfln("slot %d is on-chain", *slot)
}

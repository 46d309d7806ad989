package observer

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseHHMMSS(t *testing.T) {
	cases := []struct {
		token                string
		hour, minute, second int
	}{
		{"173749", 17, 37, 49},
		{"85004", 8, 50, 4},
		{"0153", 0, 1, 53},
	}
	for _, c := range cases {
		hour, minute, second, err := parseHHMMSS(c.token)
		if err != nil {
			t.Fatalf("parseHHMMSS(%q): %v", c.token, err)
		}
		if hour != c.hour || minute != c.minute || second != c.second {
			t.Errorf("parseHHMMSS(%q) = %d:%d:%d, want %d:%d:%d", c.token, hour, minute, second, c.hour, c.minute, c.second)
		}
	}
}

func TestParseSignalFileName(t *testing.T) {
	date, strategy, ok := parseSignalFileName("20230515_momentum_breakout.log")
	if !ok {
		t.Fatal("expected ok")
	}
	if date != "20230515" || strategy != "momentum_breakout" {
		t.Errorf("got date=%q strategy=%q", date, strategy)
	}

	if _, _, ok := parseSignalFileName("not_a_signal_file.txt"); ok {
		t.Error("expected rejection of unrecognized filename")
	}
}

func TestParseSignalLine(t *testing.T) {
	signal, err := parseSignalLine("20230515", "173749 2882.TW ROD B 20 47.65")
	if err != nil {
		t.Fatalf("parseSignalLine: %v", err)
	}
	if signal.Code != "2882" {
		t.Errorf("expected code 2882, got %s", signal.Code)
	}
	if signal.Quantity != 20 {
		t.Errorf("expected quantity 20, got %d", signal.Quantity)
	}
	if !signal.Price.Equal(decimal.NewFromFloat(47.65)) {
		t.Errorf("expected price 47.65, got %s", signal.Price)
	}
	if signal.STime.Hour() != 17 || signal.STime.Minute() != 37 || signal.STime.Second() != 49 {
		t.Errorf("unexpected stime: %v", signal.STime)
	}
}

func TestParseSignalLine_Short(t *testing.T) {
	if _, err := parseSignalLine("20230515", "173749 2882.TW ROD"); err == nil {
		t.Error("expected error for short line")
	}
}

func TestParseOrderRow(t *testing.T) {
	raw := []string{"025", "W003t", "現股", "085004", "3583", "ROD", "Sell", "3", "94.1", "", "2023/05/26"}
	order, err := parseOrderRow(raw, 7)
	if err != nil {
		t.Fatalf("parseOrderRow: %v", err)
	}
	if order.Status != "New" {
		t.Errorf("expected status New, got %s", order.Status)
	}
	if order.Strategy != 7 {
		t.Errorf("expected unmapped sentinel 7, got %d", order.Strategy)
	}
	if order.Action != "S" {
		t.Errorf("expected sell action, got %s", order.Action)
	}
}

func TestParseOrderRow_WithFailureMessage(t *testing.T) {
	raw := []string{"025", "00000", "現股", "085004", "8426", "ROD", "Buy", "1", "69.9", "特定證券管制交易－類別錯誤", "2023/05/26"}
	order, err := parseOrderRow(raw, 7)
	if err != nil {
		t.Fatalf("parseOrderRow: %v", err)
	}
	if order.Status != "Failed" {
		t.Errorf("expected status Failed, got %s", order.Status)
	}
}

func TestParseOrderRow_GluedMessage(t *testing.T) {
	// msg field "foo, bar" produces 12 raw comma fields instead of 11.
	raw := []string{"025", "W003t", "現股", "085004", "3583", "ROD", "Sell", "3", "94.1", "foo", " bar", "2023/05/26"}
	order, err := parseOrderRow(raw, 7)
	if err != nil {
		t.Fatalf("parseOrderRow: %v", err)
	}
	if order.Msg != "foo  bar" {
		t.Errorf("expected glued msg, got %q", order.Msg)
	}
}

func TestParseTradeRow(t *testing.T) {
	raw := []string{"025", "W003l", "現股", "090353", "4129", "ROD", "Buy", "1", "62.4", "", "2023/05/26", "100000038839"}
	trade, err := parseTradeRow(raw, 7)
	if err != nil {
		t.Fatalf("parseTradeRow: %v", err)
	}
	if trade.Seqno != "100000038839" {
		t.Errorf("expected seqno, got %s", trade.Seqno)
	}
	if trade.Code != "4129" {
		t.Errorf("expected code 4129, got %s", trade.Code)
	}
}

func TestParsePositionRow(t *testing.T) {
	raw := []string{"025", "100530", "現股", "6112", "10000", "62.6", "0", "99000.0", "4000.0", "0.158147"}
	pos, err := parsePositionRow(raw)
	if err != nil {
		t.Fatalf("parsePositionRow: %v", err)
	}
	if pos.Code != "6112" {
		t.Errorf("expected code 6112, got %s", pos.Code)
	}
	if pos.Shares != 10000 {
		t.Errorf("expected shares 10000, got %d", pos.Shares)
	}
}

func TestTimeOfDay(t *testing.T) {
	tm := timeOfDay(9, 5, 30)
	if tm.Hour() != 9 || tm.Minute() != 5 || tm.Second() != 30 {
		t.Errorf("unexpected time: %v", tm)
	}
}

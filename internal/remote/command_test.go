package remote

import "testing"

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "''"},
		{in: "wg0", want: "wg0"},
		{in: "/etc/wireguard/peers.json", want: "/etc/wireguard/peers.json"},
		{in: "10.0.0.2/32", want: "10.0.0.2/32"},
		{in: "abc+/def=", want: "abc+/def="},
		{in: "two words", want: "'two words'"},
		{in: "it's", want: `'it'"'"'s'`},
		{in: "$(reboot)", want: "'$(reboot)'"},
		{in: "a;b&&c|d", want: "'a;b&&c|d'"},
		{in: "`id`", want: "'`id`'"},
		{in: "line\nbreak", want: "'line\nbreak'"},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCmdSudo(t *testing.T) {
	cmd := Command("wg", "show", "wg0", "public-key")
	if got := cmd.Sudo(false).String(); got != "wg show wg0 public-key" {
		t.Fatalf("Sudo(false) = %q", got)
	}
	if got := cmd.Sudo(true).String(); got != "sudo -n wg show wg0 public-key" {
		t.Fatalf("Sudo(true) = %q", got)
	}
	if got := cmd.String(); got != "wg show wg0 public-key" {
		t.Fatalf("Sudo mutated receiver: %q", got)
	}
}

func TestChain(t *testing.T) {
	got := Chain(
		Command("wg", "set", "wg0", "peer", "k=", "remove"),
		nil,
		Command("wg-quick", "save", "wg0"),
	)
	want := "wg set wg0 peer k= remove && wg-quick save wg0"
	if got != want {
		t.Fatalf("Chain() = %q, want %q", got, want)
	}
	if got := Tolerate(Command("wg-quick", "down", "wg0")); got != "wg-quick down wg0 || true" {
		t.Fatalf("Tolerate() = %q", got)
	}
}

func TestResultOutput(t *testing.T) {
	tests := []struct {
		res  Result
		want string
	}{
		{res: Result{Stdout: "out\n"}, want: "out"},
		{res: Result{Stderr: " err "}, want: "err"},
		{res: Result{Stdout: "out", Stderr: "err"}, want: "out\nerr"},
	}
	for _, tt := range tests {
		if got := tt.res.Output(); got != tt.want {
			t.Errorf("Output() = %q, want %q", got, tt.want)
		}
	}
}

package listener

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

var rl *readline.Instance
var mu sync.Mutex
var holdAsync bool
var heldLines []string

// Commands offered by tab completion in the REPL.
var completer = readline.NewPrefixCompleter(
	readline.PcItem(":cancel"),
	readline.PcItem(":checkpoint"),
	readline.PcItem(":deliverables"),
	readline.PcItem(":missions"),
	readline.PcItem(":help"),
	readline.PcItem("exit"),
)

func Init(historyFile string) error {
	var err error
	rl, err = readline.NewEx(&readline.Config{
		Prompt:          "mission> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	return err
}

func Close() {
	if rl != nil {
		_ = rl.Close()
	}
}

func SetPrompt(p string) {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		rl.SetPrompt(p)
	}
}

func BeginInteractive() {
	mu.Lock()
	holdAsync = true
	mu.Unlock()
}

// EndInteractive flushes lines printed while a question was open.
func EndInteractive() {
	mu.Lock()
	defer mu.Unlock()
	holdAsync = false
	for _, s := range heldLines {
		printAboveUnlocked(s)
	}
	heldLines = nil
}

func printAboveUnlocked(s string) {
	if rl == nil {
		fmt.Println(s)
		return
	}
	_, _ = rl.Write([]byte("\r\n" + s + "\r\n"))
	rl.Refresh()
}

func PrintAbove(s string) {
	mu.Lock()
	defer mu.Unlock()
	printAboveUnlocked(s)
}

// GetInput reads one line. ok is false on EOF, so callers can exit.
func GetInput() (line string, ok bool) {
	line, err := rl.Readline()
	switch {
	case err == readline.ErrInterrupt:
		return "", true
	case err == io.EOF:
		return "", false
	case err != nil:
		return "", false
	}
	return strings.TrimSpace(line), true
}

func GetConfirmation(prompt string) string {
	mu.Lock()
	old := rl.Config.Prompt
	rl.SetPrompt(prompt)
	mu.Unlock()

	line, err := rl.Readline()
	if err != nil {
		line = ""
	}
	ans := strings.TrimSpace(strings.ToLower(line))

	mu.Lock()
	rl.SetPrompt(old)
	mu.Unlock()
	return ans
}

// AsyncPrintln prints without breaking the line being typed. While a
// question is open the line is held until EndInteractive.
func AsyncPrintln(s string) {
	mu.Lock()
	defer mu.Unlock()
	if holdAsync {
		heldLines = append(heldLines, s)
		return
	}
	printAboveUnlocked(s)
}

func AskYesNo(question string) bool {
	BeginInteractive()
	defer EndInteractive()

	PrintAbove(question + " [y/n]")

	for {
		ans := GetConfirmation("> ")
		if ans == "y" || ans == "yes" {
			return true
		}
		if ans == "n" || ans == "no" {
			return false
		}
		PrintAbove("Please answer y/n.")
	}
}

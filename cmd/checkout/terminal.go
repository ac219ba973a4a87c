package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/qs3c/chat_billing_server/internal/checkout"
)

// terminalWidget 在终端打印支付链接，并从标准输入读取支付结果
type terminalWidget struct {
	linkTemplate string
	in           io.Reader
	out          io.Writer
	interactive  bool
}

func newTerminalWidget(linkTemplate string) *terminalWidget {
	return &terminalWidget{
		linkTemplate: linkTemplate,
		in:           os.Stdin,
		out:          os.Stdout,
		interactive:  term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (w *terminalWidget) Pay(mode checkout.Mode, params checkout.PayParams, cb checkout.Callbacks) error {
	fmt.Fprintf(w.out, "\n%s checkout for plan %q (%s)\n", mode, params.PlanName, params.Email)
	if w.linkTemplate != "" {
		fmt.Fprintf(w.out, "  open: %s\n", strings.ReplaceAll(w.linkTemplate, "%s", params.SessionID))
	} else {
		fmt.Fprintf(w.out, "  session: %s\n", params.SessionID)
	}

	// 非交互环境只能假定用户已在浏览器中完成支付，直接进入校验
	if !w.interactive {
		go cb.OnSuccess()
		return nil
	}

	fmt.Fprintln(w.out, "  type 'paid' when done, 'fail <reason>' if the payment failed, or 'close' to leave")
	go func() {
		scanner := bufio.NewScanner(w.in)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			cmd, rest, _ := strings.Cut(line, " ")
			switch strings.ToLower(cmd) {
			case "paid", "success", "ok":
				cb.OnSuccess()
				return
			case "fail", "failed":
				cb.OnFail(strings.TrimSpace(rest))
				return
			case "close", "quit", "q":
				cb.OnComplete()
				return
			case "":
			default:
				fmt.Fprintf(w.out, "  unknown answer %q\n", line)
			}
		}
		cb.OnComplete()
	}()
	return nil
}

// consoleNotifier 将提示输出到终端
type consoleNotifier struct {
	out io.Writer
	err io.Writer
}

func (n consoleNotifier) Success(message string) {
	fmt.Fprintf(n.out, "✔ %s\n", message)
}

func (n consoleNotifier) Error(message string) {
	fmt.Fprintf(n.err, "✘ %s\n", message)
}

// printRedirector 无法跳转时打印下一步地址
type printRedirector struct {
	out io.Writer
}

func (r printRedirector) Redirect(url string) {
	fmt.Fprintf(r.out, "continue at %s\n", url)
}

// flagAccount 通过命令行参数或环境变量提供的登录账户
type flagAccount struct {
	id    int64
	email string
}

func (a flagAccount) Current(context.Context) (*checkout.Account, error) {
	if a.id <= 0 {
		return nil, nil
	}
	return &checkout.Account{ID: a.id, Email: a.email}, nil
}

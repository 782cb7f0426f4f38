// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cli is the menu-driven operator interface. It is purely a
// client of the cluster context.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/luxfi/vaultd/cluster"
)

// ErrForcedExit is returned when the operator picks a selection with no
// mapped action; main exits 1 on it.
var ErrForcedExit = errors.New("unmapped menu selection")

type action struct {
	label string
	run   func(*App) error
}

// App drives the operator menu loop.
type App struct {
	ctx *cluster.Context
	in  *bufio.Scanner
	out io.Writer
}

var menu = []action{
	{"Create store", (*App).createStore},
	{"Open store", (*App).openStore},
	{"List stores", (*App).listStores},
	{"List entries", (*App).listEntries},
	{"List groups", (*App).listGroups},
	{"Add group", (*App).addGroup},
	{"Add entry", (*App).addEntry},
	{"Delete group", (*App).deleteGroup},
	{"Delete entry", (*App).deleteEntry},
	{"Save changes", (*App).saveChanges},
	{"Close store", (*App).closeStore},
	{"Share store", (*App).shareStore},
	{"Connect to share", (*App).connectShare},
	{"List available shares", (*App).listShares},
	{"Read notifications", (*App).readNotifications},
	{"Answer notification", (*App).answerNotification},
	{"Exit", nil},
}

// New builds an App reading from [in] and writing to [out].
func New(ctx *cluster.Context, in io.Reader, out io.Writer) *App {
	return &App{
		ctx: ctx,
		in:  bufio.NewScanner(in),
		out: out,
	}
}

// Run loops over the menu until the operator exits. A selection outside
// the menu returns ErrForcedExit.
func (a *App) Run() error {
	for {
		fmt.Fprintln(a.out)
		fmt.Fprintln(a.out, "What do you want to do?")
		for i, item := range menu {
			fmt.Fprintf(a.out, "  %2d. %s\n", i+1, item.label)
		}

		input := a.prompt("> ")
		choice, err := strconv.Atoi(strings.TrimSpace(input))
		if err != nil || choice < 1 || choice > len(menu) {
			return ErrForcedExit
		}
		item := menu[choice-1]
		if item.run == nil { // Exit
			if a.confirm("Are you sure you want to exit?") {
				return nil
			}
			continue
		}
		if err := item.run(a); err != nil {
			fmt.Fprintf(a.out, "Error: %s\n", err)
		}
	}
}

func (a *App) prompt(label string) string {
	fmt.Fprint(a.out, label)
	if !a.in.Scan() {
		return ""
	}
	return strings.TrimSpace(a.in.Text())
}

func (a *App) promptSecret(label string) string {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(a.out, label)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(a.out)
		if err == nil {
			return string(secret)
		}
	}
	return a.prompt(label)
}

func (a *App) confirm(label string) bool {
	answer := a.prompt(label + " [y/N] ")
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}

// promptPath reads the path segments of a group or entry. An empty
// input names the root group.
func (a *App) promptPath(label string) []string {
	input := a.prompt(label)
	if input == "" {
		return nil
	}
	return strings.Split(input, "/")
}

// selectStore asks the operator to pick an open store. Returns id 0
// when there is nothing to pick.
func (a *App) selectStore() (int, cluster.Handle) {
	stores := a.ctx.List()
	if len(stores) == 0 {
		fmt.Fprintln(a.out, "There are no open stores!")
		return 0, nil
	}
	for _, reg := range stores {
		fmt.Fprintf(a.out, "  %2d. [%s] %s (%s)\n", reg.ID, roleTag(reg.Handle), reg.Handle.Name(), reg.Handle.Filename())
	}
	choice, err := strconv.Atoi(a.prompt("Store number: "))
	if err != nil {
		fmt.Fprintln(a.out, "Not a store number")
		return 0, nil
	}
	h := a.ctx.Get(choice)
	if h == nil {
		fmt.Fprintln(a.out, "The chosen store is not open!")
		return 0, nil
	}
	return choice, h
}

func roleTag(h cluster.Handle) string {
	switch h.(type) {
	case *cluster.Leader:
		return "e"
	case *cluster.Follower:
		return "r"
	default:
		return "l"
	}
}

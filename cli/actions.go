// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/luxfi/vaultd/cluster"
	"github.com/luxfi/vaultd/discovery"
	"github.com/luxfi/vaultd/vault"
)

func (a *App) createStore() error {
	path := a.prompt("Store file path: ")
	if path == "" {
		return nil
	}
	name := a.prompt("Store name: ")
	password := a.promptSecret("Store password: ")

	store, err := vault.Create(path, password, name)
	if err != nil {
		return err
	}
	id := a.ctx.Add(cluster.Local{Store: store})
	if err := store.SetLocalID(id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created store %q\n", name)
	return nil
}

func (a *App) openStore() error {
	path := a.prompt("Store file path: ")
	if path == "" {
		return nil
	}
	for _, reg := range a.ctx.List() {
		if reg.Handle.Filename() == path {
			fmt.Fprintln(a.out, "This store is already open")
			return nil
		}
	}
	password := a.promptSecret("Store password: ")

	store, err := vault.Open(path, password)
	if errors.Is(err, vault.ErrBadCredentials) {
		fmt.Fprintln(a.out, "Incorrect credentials")
		return nil
	}
	if err != nil {
		return err
	}
	id := a.ctx.Add(cluster.Local{Store: store})
	if err := store.SetLocalID(id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Opened store %q\n", store.Name())
	return nil
}

func (a *App) listStores() error {
	stores := a.ctx.List()
	if len(stores) == 0 {
		fmt.Fprintln(a.out, "There are no open stores!")
		return nil
	}
	for _, reg := range stores {
		fmt.Fprintf(a.out, "  %2d. [%s] %s (%s)\n", reg.ID, roleTag(reg.Handle), reg.Handle.Name(), reg.Handle.Filename())
	}
	return nil
}

func (a *App) listEntries() error {
	_, h := a.selectStore()
	if h == nil {
		return nil
	}
	for _, e := range h.Entries() {
		fmt.Fprintf(a.out, "  %-20s %-20s %-20s %s\n", e.Title, e.Username, e.Password, strings.Join(e.Path, "/"))
	}
	return nil
}

func (a *App) listGroups() error {
	_, h := a.selectStore()
	if h == nil {
		return nil
	}
	for _, g := range h.Groups() {
		path := strings.Join(g.Path, "/")
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(a.out, "  %-20s %s\n", g.Name, path)
	}
	return nil
}

func (a *App) addGroup() error {
	_, h := a.selectStore()
	if h == nil {
		return nil
	}
	parent := a.promptPath("Parent group path (\"/\"-separated, empty for root): ")
	name := a.prompt("New group name: ")
	return h.AddGroup(parent, name)
}

func (a *App) addEntry() error {
	_, h := a.selectStore()
	if h == nil {
		return nil
	}
	parent := a.promptPath("Parent group path (\"/\"-separated, empty for root): ")
	title := a.prompt("Entry title: ")
	username := a.prompt("Entry username: ")
	password := a.promptSecret("Entry password: ")
	return h.AddEntry(parent, title, username, password)
}

func (a *App) deleteGroup() error {
	_, h := a.selectStore()
	if h == nil {
		return nil
	}
	path := a.promptPath("Group path: ")
	return h.DeleteGroup(path)
}

func (a *App) deleteEntry() error {
	_, h := a.selectStore()
	if h == nil {
		return nil
	}
	path := a.promptPath("Entry path: ")
	return h.DeleteEntry(path)
}

func (a *App) saveChanges() error {
	_, h := a.selectStore()
	if h == nil {
		return nil
	}
	return h.Save()
}

func (a *App) closeStore() error {
	id, h := a.selectStore()
	if h == nil {
		return nil
	}
	switch handle := h.(type) {
	case *cluster.Leader:
		// Closing a share fires the election at every follower; the
		// store stays open for offline use.
		store := handle.Close()
		a.ctx.Replace(id, cluster.Local{Store: store})
		fmt.Fprintf(a.out, "Closed shared store %q; it stays open locally\n", store.Name())
	case *cluster.Follower:
		leaderURI := handle.LeaderURI()
		name := handle.Name()
		handle.Leave()
		if leaderURI != "" {
			a.ctx.Browser.Unignore(leaderURI)
		}
		a.ctx.Browser.Reintroduce(name)
		a.ctx.Remove(id)
		fmt.Fprintf(a.out, "Closed remote store %q\n", name)
	default:
		a.ctx.Remove(id)
		fmt.Fprintf(a.out, "Closed local store %q\n", h.Name())
	}
	return nil
}

func (a *App) shareStore() error {
	id, h := a.selectStore()
	if h == nil {
		return nil
	}
	local, ok := h.(cluster.Local)
	if !ok {
		fmt.Fprintln(a.out, "The store to share needs to be local!")
		return nil
	}
	if a.ctx.Advertiser.Registered(local.Name()) {
		fmt.Fprintln(a.out, "You have already shared a store with that name!")
		return nil
	}
	leader, err := cluster.Share(a.ctx, local.Store)
	if err != nil {
		return err
	}
	a.ctx.Replace(id, leader)
	fmt.Fprintf(a.out, "Store %q is now shared\n", local.Name())
	return nil
}

func (a *App) listShares() error {
	services := a.ctx.Browser.Services()
	if len(services) == 0 {
		fmt.Fprintln(a.out, "There are no exposed stores!")
		return nil
	}
	for _, s := range services {
		fmt.Fprintf(a.out, "  %-24s %s:%d\n", discovery.ShortName(s.Name), s.Host, s.Port)
	}
	return nil
}

func (a *App) connectShare() error {
	services := a.ctx.Browser.Services()
	if len(services) == 0 {
		fmt.Fprintln(a.out, "There are no exposed stores!")
		return nil
	}
	for i, s := range services {
		fmt.Fprintf(a.out, "  %2d. %s (%s:%d)\n", i+1, discovery.ShortName(s.Name), s.Host, s.Port)
	}
	choice, err := strconv.Atoi(a.prompt("Share number: "))
	if err != nil || choice < 1 || choice > len(services) {
		fmt.Fprintln(a.out, "Not a share number")
		return nil
	}
	selected := services[choice-1]

	path := a.prompt("File path for the local copy: ")
	if path == "" {
		return nil
	}
	password := a.promptSecret("Store password: ")

	follower, err := cluster.Connect(a.ctx, selected.URI, password, path)
	if err != nil {
		return err
	}
	// The name actually advertised wins over the one in the image; mDNS
	// may have renamed the share on collision.
	if err := follower.Rename(discovery.ShortName(selected.Name)); err != nil {
		a.ctx.Log.Warn("could not rename replica")
	}
	a.ctx.Browser.Ignore(selected.URI)
	a.ctx.Browser.Forget(selected.Name)
	id := a.ctx.Add(follower)
	return follower.SetLocalID(id)
}

func (a *App) readNotifications() error {
	notifications := a.ctx.Notifications.Snapshot()
	if len(notifications) == 0 {
		fmt.Fprintln(a.out, "There are no notifications to read!")
		return nil
	}
	for _, n := range notifications {
		fmt.Fprintln(a.out, n.Message)
	}
	fmt.Fprintln(a.out, "Expired notifications will be deleted")
	a.ctx.Notifications.RemoveExpired()
	return nil
}

func (a *App) answerNotification() error {
	notifications := a.ctx.Notifications.Snapshot()
	if len(notifications) == 0 {
		fmt.Fprintln(a.out, "There are no notifications!")
		return nil
	}
	for i, n := range notifications {
		fmt.Fprintf(a.out, "  %2d. %s\n", i+1, n.Message)
	}
	choice, err := strconv.Atoi(a.prompt("Notification number: "))
	if err != nil || choice < 1 || choice > len(notifications) {
		fmt.Fprintln(a.out, "Not a notification number")
		return nil
	}
	selected := notifications[choice-1]

	vote := a.confirm("Do you approve the change?")
	h := a.ctx.Get(selected.ShareID)
	if h == nil {
		fmt.Fprintln(a.out, "The store this notification refers to is gone")
		return nil
	}
	if h.AnswerNotification(vote, selected) {
		fmt.Fprintln(a.out, "The vote was cast")
		a.ctx.Notifications.RemoveAt(choice - 1)
	} else {
		fmt.Fprintln(a.out, "There was a problem during the voting process")
	}
	return nil
}

package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.tunnelmgr.dev/tunnelmgr/internal/core"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

const defaultHistoryLines = 20

// commandReadTimeout bounds how long a client may take to send its command line
const commandReadTimeout = 5 * time.Second

// ManagerStatus is the data of a STATUS response
type ManagerStatus struct {
	Pid          int       `json:"pid"`
	Version      string    `json:"version"`
	StartDate    time.Time `json:"start_date"`
	RegistryFile string    `json:"registry_file"`
	Tunnels      int       `json:"tunnels"`
	Running      int       `json:"running"`
	Dirty        bool      `json:"dirty"`
}

// handleConnection reads one command line and writes one JSON response.
// LOGS keeps the connection open and streams instead.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(commandReadTimeout))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return
	}
	conn.SetReadDeadline(time.Time{})

	verb, args := splitCommand(scanner.Text())
	if verb == "" {
		return
	}
	// ASKPASS carries a token and runs on every password prompt
	if verb != "VERSION" && verb != "STATUS" && verb != "ASKPASS" {
		if args != "" {
			slog.Info(fmt.Sprintf("Executing command: %s %s", verb, args))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", verb))
		}
	}

	switch verb {
	case "LOGS":
		historyLines := defaultHistoryLines
		if args != "" {
			if n, err := strconv.Atoi(args); err == nil && n >= 0 {
				historyLines = n
			}
		}
		d.handleLogs(conn, historyLines)
		return
	case "QUIT":
		var response Response
		response.Info("Shutting down tunnelmgr")
		conn.Write([]byte(response.ToJSON()))
		d.Stop()
		return
	}

	response := d.dispatch(verb, args)
	conn.Write([]byte(response.ToJSON()))
}

// splitCommand returns the upper-cased verb and the untouched remainder
func splitCommand(line string) (string, string) {
	verb, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(args)
}

func (d *Daemon) dispatch(verb, args string) Response {
	var response Response

	switch verb {
	case "STATUS":
		response.AddData(d.status())
	case "VERSION":
		response.Info(core.FormatVersion(core.Version))
		response.AddData(core.Version)
	case "LIST":
		response.AddData(d.registry.List())
	case "SHOW":
		if args == "" {
			response.AddMessage("Usage: SHOW <key>", StatusError)
			break
		}
		status, err := d.registry.Get(args)
		if err != nil {
			response.Error(err)
			break
		}
		response.AddData(status)
	case "ADD":
		response = d.addTunnel(args)
	case "EDIT":
		key, payload, _ := strings.Cut(args, " ")
		response = d.editTunnel(key, strings.TrimSpace(payload))
	case "RENAME":
		key, name, _ := strings.Cut(args, " ")
		name = strings.TrimSpace(name)
		if key == "" || name == "" {
			response.AddMessage("Usage: RENAME <key> <name>", StatusError)
			break
		}
		if err := d.registry.Rename(key, name); err != nil {
			response.Error(err)
			break
		}
		response.Info(fmt.Sprintf("Tunnel '%s' will be renamed to '%s' on save", key, name))
	case "REMOVE":
		if args == "" {
			response.AddMessage("Usage: REMOVE <key>", StatusError)
			break
		}
		if err := d.registry.Remove(args); err != nil {
			response.Error(err)
			break
		}
		response.Info(fmt.Sprintf("Tunnel '%s' removed", args))
	case "START":
		response = d.startTunnel(args)
	case "STOP":
		if args == "" {
			response.AddMessage("Usage: STOP <key>", StatusError)
			break
		}
		if err := d.registry.Stop(args); err != nil {
			response.Error(err)
			break
		}
		response.Info(fmt.Sprintf("Tunnel '%s' stopped", args))
	case "KILLALL":
		killed, err := d.registry.KillAll()
		if err != nil {
			response.Warn(fmt.Sprintf("Some ssh processes could not be listed: %v", err))
		}
		response.Info(fmt.Sprintf("Killed %d ssh processes", killed))
		response.AddData(killed)
	case "SAVE":
		response = d.save()
	case "URL":
		if args == "" {
			response.AddMessage("Usage: URL <key>", StatusError)
			break
		}
		url, err := d.registry.URL(args)
		if err != nil {
			response.Error(err)
			break
		}
		response.AddData(url)
	case "COMMAND":
		if args == "" {
			response.AddMessage("Usage: COMMAND <key>", StatusError)
			break
		}
		command, err := d.registry.Command(args)
		if err != nil {
			response.Error(err)
			break
		}
		response.AddData(command)
	case "HISTORY":
		response = d.tunnelHistory(args)
	case "ASKPASS":
		response = d.askpass(args)
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", verb), StatusError)
	}

	return response
}

func (d *Daemon) status() ManagerStatus {
	tunnels := d.registry.List()
	running := 0
	for _, t := range tunnels {
		if t.Running {
			running++
		}
	}

	return ManagerStatus{
		Pid:          os.Getpid(),
		Version:      core.FormatVersion(core.Version),
		StartDate:    d.startDate,
		RegistryFile: d.store.Path(),
		Tunnels:      len(tunnels),
		Running:      running,
		Dirty:        d.registry.Dirty(),
	}
}

// addTunnel handles ADD <entry json>. The requested name travels in the
// name field and becomes the key after sanitizing.
func (d *Daemon) addTunnel(payload string) Response {
	var response Response

	var entry tunnel.Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		response.AddMessage(fmt.Sprintf("Invalid tunnel definition: %v", err), StatusError)
		return response
	}

	name := entry.Name
	if name == "" {
		name = entry.Key
	}
	entry.Name = ""
	entry.Key = ""

	added, err := d.registry.Add(name, entry)
	if err != nil {
		response.Error(err)
		return response
	}

	response.Info(fmt.Sprintf("Tunnel '%s' added and saved", added.Key))
	response.AddData(added)
	return response
}

// editTunnel handles EDIT <key> <entry json>; the change stays pending until SAVE
func (d *Daemon) editTunnel(key, payload string) Response {
	var response Response

	if key == "" || payload == "" {
		response.AddMessage("Usage: EDIT <key> <json>", StatusError)
		return response
	}

	var entry tunnel.Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		response.AddMessage(fmt.Sprintf("Invalid tunnel definition: %v", err), StatusError)
		return response
	}

	updated, err := d.registry.Update(key, entry)
	if err != nil {
		response.Error(err)
		return response
	}

	response.Info(fmt.Sprintf("Tunnel '%s' updated, save to persist", key))
	response.AddData(updated)
	return response
}

func (d *Daemon) startTunnel(key string) Response {
	var response Response

	if key == "" {
		response.AddMessage("Usage: START <key>", StatusError)
		return response
	}

	handle, err := d.registry.Start(key)
	if err != nil {
		response.Error(err)
		return response
	}

	response.Info(fmt.Sprintf("Tunnel '%s' started (PID %d)", key, handle.Pid))
	response.AddData(handle.Pid)
	return response
}

func (d *Daemon) save() Response {
	var response Response

	result, err := d.registry.Save()
	if err != nil {
		response.Error(err)
		return response
	}
	d.applyMoves(result.Moved)

	for _, warning := range result.Warnings {
		response.Warn(warning)
	}

	oldKeys := make([]string, 0, len(result.Moved))
	for oldKey := range result.Moved {
		oldKeys = append(oldKeys, oldKey)
	}
	sort.Strings(oldKeys)
	for _, oldKey := range oldKeys {
		response.Info(fmt.Sprintf("Renamed '%s' to '%s'", oldKey, result.Moved[oldKey]))
	}

	if result.Written {
		response.Info(fmt.Sprintf("Saved tunnels to %s", d.store.Path()))
	} else {
		response.Info("No changes to save")
	}
	response.AddData(result)
	return response
}

// tunnelHistory handles HISTORY [limit] [key], in either order
func (d *Daemon) tunnelHistory(args string) Response {
	var response Response

	limit := defaultHistoryLines
	key := ""
	for _, arg := range strings.Fields(args) {
		if n, err := strconv.Atoi(arg); err == nil {
			limit = n
			continue
		}
		key = arg
	}

	events, err := d.history(key, limit)
	if err != nil {
		response.Error(err)
		return response
	}
	response.AddData(events)
	return response
}

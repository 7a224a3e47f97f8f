// commands.go implements the text command codec and the shared command
// executor.
//
// A command line is split on whitespace into at most three tokens: the
// command name (case-normalized to uppercase), a key, and a single-token
// value. Anything past the third token is ignored; values containing spaces
// are not supported by the protocol.
//
// execute runs a parsed command against a keyValue capability and returns
// the encoded reply together with a structured mutated flag. The flag, not
// the reply bytes, is what the durability layer keys its change accounting
// off, so an error reply can never be mistaken for a successful write.
//
// BGSAVE and BGREWRITEAOF are not handled here: they act on the durability
// subsystem rather than the store, so the event loop intercepts them before
// dispatch. In the threaded architecture, which carries no durability
// subsystem, they fall through to the unknown-command reply.

package main

import "strings"

type command struct {
	Name  string
	Key   string
	Value string
}

// parseCommand splits a raw line into its structured parts. The name is
// uppercased for case-insensitive dispatch; key and value are left verbatim.
func parseCommand(line string) command {
	fields := strings.Fields(line)

	var cmd command
	if len(fields) > 0 {
		cmd.Name = strings.ToUpper(fields[0])
	}
	if len(fields) > 1 {
		cmd.Key = fields[1]
	}
	if len(fields) > 2 {
		cmd.Value = fields[2]
	}
	return cmd
}

// execute dispatches cmd against kv. It returns the wire reply and whether
// the call mutated the store.
func execute(kv keyValue, cmd command) (reply []byte, mutated bool) {
	switch cmd.Name {
	case "SET":
		if cmd.Key == "" || cmd.Value == "" {
			return errorReply("wrong number of arguments for 'set' command"), false
		}
		kv.Set(cmd.Key, cmd.Value)
		return simpleStringReply("OK"), true

	case "GET":
		if cmd.Key == "" {
			return errorReply("wrong number of arguments for 'get' command"), false
		}
		value, found := kv.Get(cmd.Key)
		if !found {
			return nilReply(), false
		}
		return bulkStringReply(value), false

	case "DEL":
		if cmd.Key == "" {
			return errorReply("wrong number of arguments for 'del' command"), false
		}
		deleted := kv.Delete(cmd.Key)
		if deleted {
			return integerReply(1), true
		}
		return integerReply(0), false

	case "EXISTS":
		if cmd.Key == "" {
			return errorReply("wrong number of arguments for 'exists' command"), false
		}
		if kv.Exists(cmd.Key) {
			return integerReply(1), false
		}
		return integerReply(0), false

	case "QUIT":
		// The caller is responsible for draining and closing the
		// connection after this reply is flushed.
		return simpleStringReply("OK"), false
	}

	return errorReply("unknown command '" + cmd.Name + "'"), false
}

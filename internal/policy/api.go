package policy

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hermannmta.dev/mtad/internal/mailctx"
)

func stateContext() context.Context { return context.Background() }

// registerMailAPI installs the "mail" and "dns" globals a checkpoint
// script sees, backed by state.
func registerMailAPI(L *lua.LState, state *State) {
	mailTable := L.NewTable()

	L.SetField(mailTable, "connection", connectionTable(L, state))
	L.SetField(mailTable, "client_addr", lua.LString(state.Ctx.ClientAddr))
	L.SetField(mailTable, "envelope", envelopeTable(L, state))
	L.SetField(mailTable, "metadata", metadataTable(L, state))
	L.SetField(mailTable, "spf_result", lua.LString(state.SPFResult))
	L.SetField(mailTable, "dkim_result", lua.LString(state.DKIMResult))

	L.SetField(mailTable, "log", L.NewFunction(luaLog(state)))
	L.SetField(mailTable, "quarantine", L.NewFunction(luaQuarantine(state)))
	L.SetField(mailTable, "deny", L.NewFunction(luaDeny(state)))
	L.SetField(mailTable, "faccept", L.NewFunction(luaSimpleVerdict(state, VFaccept)))
	L.SetField(mailTable, "accept", L.NewFunction(luaSimpleVerdict(state, VAccept)))
	L.SetField(mailTable, "next", L.NewFunction(luaSimpleVerdict(state, VNext)))
	L.SetField(mailTable, "delegate", L.NewFunction(luaSimpleVerdict(state, VDelegated)))
	L.SetField(mailTable, "info", L.NewFunction(luaInfo(state)))
	L.SetField(mailTable, "write", L.NewFunction(luaWrite(state)))
	L.SetField(mailTable, "dump", L.NewFunction(luaDump(state)))
	L.SetField(mailTable, "send_mail", L.NewFunction(luaSendMail(state)))

	L.SetField(mailTable, "set_mail_from", L.NewFunction(luaSetMailFrom(state)))
	L.SetField(mailTable, "add_rcpt", L.NewFunction(luaAddRcpt(state)))
	L.SetField(mailTable, "remove_rcpt", L.NewFunction(luaRemoveRcpt(state)))
	L.SetField(mailTable, "get_header", L.NewFunction(luaGetHeader(state)))
	L.SetField(mailTable, "set_header", L.NewFunction(luaSetHeader(state)))
	L.SetField(mailTable, "add_header", L.NewFunction(luaAddHeader(state)))
	L.SetField(mailTable, "prepend_header", L.NewFunction(luaPrependHeader(state)))
	L.SetField(mailTable, "body_content", L.NewFunction(luaBodyContent(state)))
	L.SetField(mailTable, "service", L.NewFunction(luaService(state)))

	L.SetGlobal("mail", mailTable)

	dnsTable := L.NewTable()
	L.SetField(dnsTable, "mx", L.NewFunction(luaDNSMX(state)))
	L.SetField(dnsTable, "txt", L.NewFunction(luaDNSTXT(state)))
	L.SetField(dnsTable, "reverse", L.NewFunction(luaDNSReverse(state)))
	L.SetGlobal("dns", dnsTable)
}

func connectionTable(L *lua.LState, state *State) *lua.LTable {
	t := L.NewTable()
	conn := state.Ctx.Connection
	L.SetField(t, "timestamp", lua.LString(conn.Timestamp.Format(time.RFC3339)))
	L.SetField(t, "server_name", lua.LString(conn.ServerName))
	L.SetField(t, "server_address", lua.LString(conn.ServerAddress))
	L.SetField(t, "client_address", lua.LString(conn.ClientAddress))
	L.SetField(t, "is_authenticated", lua.LBool(conn.IsAuthenticated))
	L.SetField(t, "is_secured", lua.LBool(conn.IsSecured))
	if conn.Credentials != nil {
		L.SetField(t, "auth_user", lua.LString(conn.Credentials.User))
		L.SetField(t, "auth_domain", lua.LString(conn.Credentials.Domain))
	}
	return t
}

func envelopeTable(L *lua.LState, state *State) *lua.LTable {
	t := L.NewTable()
	env := &state.Ctx.Envelope
	L.SetField(t, "helo", lua.LString(env.Helo))
	L.SetField(t, "mail_from", lua.LString(env.MailFrom.String()))

	rcpts := L.NewTable()
	for _, r := range env.Rcpt {
		rt := L.NewTable()
		L.SetField(rt, "address", lua.LString(r.Address.String()))
		L.SetField(rt, "transfer_method", lua.LString(string(r.TransferMethod.Kind)))
		L.SetField(rt, "status", lua.LString(string(r.Status.Kind)))
		rcpts.Append(rt)
	}
	L.SetField(t, "rcpt", rcpts)
	return t
}

func metadataTable(L *lua.LState, state *State) *lua.LTable {
	t := L.NewTable()
	md := state.Ctx.Metadata
	L.SetField(t, "message_id", lua.LString(md.MessageID))
	L.SetField(t, "timestamp", lua.LString(md.Timestamp.Format(time.RFC3339)))
	return t
}

func luaLog(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		state.appendLog(fmt.Sprintf("[%s] %s", level, msg))
		if state.tr != nil {
			state.tr.Debugf("policy: %s: %s", level, msg)
		}
		return 0
	}
}

func luaQuarantine(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		state.verdict = Verdict{Kind: VQuarantine, Path: path}
		state.hasVerdict = true
		return 0
	}
}

func luaDeny(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		code := 554
		if L.GetTop() >= 1 {
			code = L.CheckInt(1)
		}
		state.verdict = deny(code)
		state.hasVerdict = true
		return 0
	}
}

func luaSimpleVerdict(state *State, kind VerdictKind) lua.LGFunction {
	return func(L *lua.LState) int {
		state.verdict = Verdict{Kind: kind}
		state.hasVerdict = true
		return 0
	}
}

func luaInfo(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		packet := L.CheckString(1)
		state.verdict = Verdict{Kind: VInfo, Packet: packet}
		state.hasVerdict = true
		return 0
	}
}

// luaWrite and luaDump record the script's request to persist diagnostic
// state; the caller decides whether and where to act on it.
func luaWrite(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		dir := L.CheckString(1)
		state.appendLog("write:" + dir)
		return 0
	}
}

func luaDump(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		dir := L.CheckString(1)
		state.appendLog("dump:" + dir)
		return 0
	}
}

func luaSendMail(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		req := SendMailRequest{
			from:  L.CheckString(1),
			to:    L.CheckString(2),
			path:  L.CheckString(3),
			relay: L.OptString(4, ""),
		}
		state.sendMails = append(state.sendMails, req)
		return 0
	}
}

func luaSetMailFrom(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		addr, err := mailctx.ParseAddress(L.CheckString(1))
		if err != nil {
			L.RaiseError("mail.set_mail_from: %v", err)
			return 0
		}
		state.Ctx.Envelope.MailFrom = addr
		return 0
	}
}

func luaAddRcpt(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		addr, err := mailctx.ParseAddress(L.CheckString(1))
		if err != nil {
			L.RaiseError("mail.add_rcpt: %v", err)
			return 0
		}
		state.Ctx.Envelope.Rcpt = append(state.Ctx.Envelope.Rcpt, &mailctx.Recipient{
			Address:        addr,
			OriginalAddr:   addr,
			TransferMethod: mailctx.TransferMethod{Kind: mailctx.TransferRelay},
			Status:         mailctx.Waiting(),
		})
		return 0
	}
}

func luaRemoveRcpt(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		target := L.CheckString(1)
		env := &state.Ctx.Envelope
		kept := env.Rcpt[:0]
		for _, r := range env.Rcpt {
			if r.Address.String() != target {
				kept = append(kept, r)
			}
		}
		env.Rcpt = kept
		return 0
	}
}

func bodyOrNil(state *State) *mailctx.ParsedMail {
	if state.Ctx.Body.Kind != mailctx.BodyParsed {
		return nil
	}
	return state.parsedBody
}

func luaGetHeader(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		if p := bodyOrNil(state); p != nil {
			L.Push(lua.LString(p.Get(name)))
			return 1
		}
		L.Push(lua.LString(""))
		return 1
	}
}

func luaSetHeader(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		name, value := L.CheckString(1), L.CheckString(2)
		if p := bodyOrNil(state); p != nil {
			p.Set(name, value)
		}
		return 0
	}
}

func luaAddHeader(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		name, value := L.CheckString(1), L.CheckString(2)
		if p := bodyOrNil(state); p != nil {
			p.Add(name, value)
		}
		return 0
	}
}

func luaPrependHeader(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		name, value := L.CheckString(1), L.CheckString(2)
		if p := bodyOrNil(state); p != nil {
			p.Prepend(name, value)
		}
		return 0
	}
}

func luaBodyContent(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		if p := bodyOrNil(state); p != nil {
			L.Push(lua.LString(p.Content))
			return 1
		}
		if state.rawBody != "" {
			L.Push(lua.LString(state.rawBody))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

func luaService(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		svc, ok := state.services[name]
		if !ok {
			L.RaiseError("mail.service: unknown service %q", name)
			return 0
		}
		args := make([]string, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, L.CheckString(i))
		}
		out, err := svc.Invoke(args...)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(out))
		return 1
	}
}

func luaDNSMX(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		domain := L.CheckString(1)
		mxs, err := state.resolver.LookupMX(stateContext(), domain)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		t := L.NewTable()
		for _, mx := range mxs {
			t.Append(lua.LString(mx.Host))
		}
		L.Push(t)
		return 1
	}
}

func luaDNSTXT(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		domain := L.CheckString(1)
		txts, err := state.resolver.LookupTXT(stateContext(), domain)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		t := L.NewTable()
		for _, txt := range txts {
			t.Append(lua.LString(txt))
		}
		L.Push(t)
		return 1
	}
}

func luaDNSReverse(state *State) lua.LGFunction {
	return func(L *lua.LState) int {
		addr := L.CheckString(1)
		names, err := state.resolver.LookupAddr(stateContext(), addr)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		t := L.NewTable()
		for _, n := range names {
			t.Append(lua.LString(n))
		}
		L.Push(t)
		return 1
	}
}

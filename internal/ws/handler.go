package ws

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/fritz-net/AoE2-Civbuilder/internal/engine"
	"github.com/fritz-net/AoE2-Civbuilder/internal/registry"
	"github.com/fritz-net/AoE2-Civbuilder/internal/session"
	"github.com/fritz-net/AoE2-Civbuilder/internal/types"
)

// Handler joins a websocket connection to a draft session. Query params:
// id (draft id), role (host|player|spectator), seat (optional preference),
// name (display name).
func Handler(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		draftID := r.URL.Query().Get("id")
		if draftID == "" {
			http.Error(w, "missing draft id", http.StatusBadRequest)
			return
		}
		role, ok := parseRole(r.URL.Query().Get("role"))
		if !ok {
			http.Error(w, "unknown role", http.StatusBadRequest)
			return
		}
		seat := -1
		if v := r.URL.Query().Get("seat"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "bad seat", http.StatusBadRequest)
				return
			}
			seat = n
		}
		name := r.URL.Query().Get("name")

		reply := make(chan *session.Session, 1)
		reg.Inbox() <- registry.Get{ID: draftID, Reply: reply}
		sess := <-reply
		if sess == nil {
			http.Error(w, "draft not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan session.Outbound, 8)
		clientID := randID(8)

		joinReply := make(chan session.JoinResult, 1)
		select {
		case sess.Inbox() <- session.Join{
			ClientID: clientID, Role: role, Seat: seat, Name: name,
			Outbox: out, Reply: joinReply,
		}:
		case <-sess.Done():
			return
		}
		var res session.JoinResult
		select {
		case res = <-joinReply:
		case <-sess.Done():
			return
		}
		if res.Err != nil {
			payload, _ := json.Marshal(types.ServerMessage{
				Type: "Error", Code: session.ErrorCode(res.Err), Error: res.Err.Error(),
			})
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			return
		}
		defer func() {
			select {
			case sess.Inbox() <- session.Leave{ClientID: clientID}:
			case <-sess.Done():
			}
		}()

		log.Info("ws connected",
			zap.String("draft", draftID), zap.String("client", clientID),
			zap.String("role", string(role)), zap.Int("seat", res.Seat))

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ob := range out {
				msg := toServerMessage(ob)
				payload, _ := json.Marshal(msg)
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = conn.Write(r.Context(), websocket.MessageText,
					[]byte(`{"type":"Error","code":"bad_json","error":"bad json"}`))
				continue
			}

			cmd, ok := toEngineCommand(cm)
			if !ok {
				_ = conn.Write(r.Context(), websocket.MessageText,
					[]byte(`{"type":"Error","code":"unknown_type","error":"unknown message type"}`))
				continue
			}

			select {
			case sess.Inbox() <- session.FromClient{ClientID: clientID, Cmd: cmd}:
			case <-sess.Done():
				return
			}
		}
	}
}

func toServerMessage(ob session.Outbound) types.ServerMessage {
	if ob.Err != nil {
		return types.ServerMessage{Type: "Error", Code: ob.Err.Code, Error: ob.Err.Message}
	}
	return types.ServerMessage{Type: "StateSnapshot", Version: ob.Snapshot.Version, State: &ob.Snapshot.State}
}

func toEngineCommand(m types.ClientMessage) (engine.Command, bool) {
	switch m.Type {
	case "readyPlayer":
		return engine.Command{Type: engine.CmdSetReady}, true
	case "pick":
		return engine.Command{Type: engine.CmdSubmitPick, OptionID: m.OptionID}, true
	case "endTurn":
		return engine.Command{Type: engine.CmdEndTurn}, true
	case "allocateTree":
		return engine.Command{Type: engine.CmdAllocateTree, NodeIDs: m.NodeIDs}, true
	case "setName":
		return engine.Command{Type: engine.CmdSetName, Name: m.Name}, true
	case "abort":
		return engine.Command{Type: engine.CmdAbort}, true
	default:
		return engine.Command{}, false
	}
}

func parseRole(role string) (session.Role, bool) {
	switch role {
	case "host":
		return session.RoleHost, true
	case "player":
		return session.RolePlayer, true
	case "spectator", "":
		return session.RoleSpectator, true
	default:
		return "", false
	}
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		num, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b[i] = charset[num.Int64()]
	}
	return string(b)
}

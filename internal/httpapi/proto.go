package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// maxRequestBody caps the request body size for both protobuf and JSON
// payloads.  A normalized event is well under 512 bytes in either form.
const maxRequestBody = 4096

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload.
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "application/x-protobuf" ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

// readProto reads the request body and unmarshals it into msg.
func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return proto.Unmarshal(body, msg)
}

// readProtoEvent decodes a google.protobuf.Struct carrying the same keys
// as the JSON form.
func readProtoEvent(r *http.Request) (types.AccessEvent, error) {
	var st structpb.Struct
	if err := readProto(r, &st); err != nil {
		return types.AccessEvent{}, fmt.Errorf("invalid protobuf body: %w", err)
	}
	return eventFromStruct(&st)
}

func eventFromStruct(st *structpb.Struct) (types.AccessEvent, error) {
	var ev types.AccessEvent
	for k, v := range st.GetFields() {
		switch k {
		case "user_id":
			s, err := structString(v)
			if err != nil {
				return ev, fmt.Errorf("user_id: %w", err)
			}
			ev.UserID = s
		case "terminal_id":
			s, err := structString(v)
			if err != nil {
				return ev, fmt.Errorf("terminal_id: %w", err)
			}
			ev.TerminalID = s
		case "auth_method_code":
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
				return ev, fmt.Errorf("auth_method_code: want an integer")
			}
			ev.AuthMethod = types.AuthMethod(int(n.NumberValue))
		case "event_time":
			at, err := parseEventTime(v.GetStringValue())
			if err != nil {
				return ev, err
			}
			ev.EventTime = at
		default:
			return ev, fmt.Errorf("unknown field %q", k)
		}
	}
	return ev, nil
}

// structString accepts strings and integral numbers; some controllers send
// employee numbers as numbers.
func structString(v *structpb.Value) (string, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NumberValue:
		if k.NumberValue != math.Trunc(k.NumberValue) {
			return "", fmt.Errorf("want a string or integer")
		}
		return fmt.Sprintf("%.0f", k.NumberValue), nil
	default:
		return "", fmt.Errorf("want a string or integer")
	}
}

// writeProtoResponse encodes resp as a google.protobuf.Struct with the JSON
// field names.
func writeProtoResponse(w http.ResponseWriter, status int, resp types.AccessResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	writeProto(w, status, st)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		// Fall back to a plain-text error if marshalling fails.
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

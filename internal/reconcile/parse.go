package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errNoJSONObject = errors.New("no JSON object in oracle output")
	errUnparseable  = errors.New("oracle output is not valid JSON after repair")
	errMissingReply = errors.New("oracle output has no bot_reply")
	errInvalidScore = errors.New("score is not an integer")
	errNotAnObject  = errors.New("entry is not an object")
)

// proposal is one item score exactly as the oracle proposed it.
type proposal struct {
	Questionnaire string
	ItemID        string
	Score         int
	Revision      bool
	Err           error // set when the value could not be read as an integer score
	Raw           string
}

// oracleOutput is the decoded, not yet validated, oracle payload.
type oracleOutput struct {
	Reply            string
	ConversationType string
	DiagnosticMatch  bool
	Proposals        []proposal
	Repaired         bool
}

// parseOracleOutput extracts, parses and, if needed, repairs oracle text.
func parseOracleOutput(text string) (oracleOutput, error) {
	candidate, ok := ExtractJSON(text)
	if !ok {
		return oracleOutput{}, errNoJSONObject
	}

	var fields map[string]json.RawMessage
	repaired := false
	if err := decodeStrict(candidate, &fields); err != nil {
		if err := decodeStrict(RepairJSON(candidate), &fields); err != nil {
			return oracleOutput{}, fmt.Errorf("%w: %v", errUnparseable, err)
		}
		repaired = true
	}

	out := oracleOutput{Repaired: repaired}
	if raw, ok := fields["bot_reply"]; ok {
		_ = json.Unmarshal(raw, &out.Reply)
	}
	out.Reply = strings.TrimSpace(out.Reply)
	if out.Reply == "" {
		return oracleOutput{}, errMissingReply
	}
	if raw, ok := fields["conversation_type"]; ok {
		_ = json.Unmarshal(raw, &out.ConversationType)
	}
	if raw, ok := fields["diagnostic_match"]; ok {
		out.DiagnosticMatch = readBool(raw)
	}
	if raw, ok := fields["diagnostic_mapping"]; ok {
		out.Proposals = readMapping(raw)
	}
	return out, nil
}

func decodeStrict(s string, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

func readBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, _ := strconv.ParseBool(strings.TrimSpace(s))
		return v
	}
	return false
}

// readMapping flattens {questionnaire: {item: {score, revision}}}. Bare
// numbers are accepted in place of {score: n}. Malformed entries are kept as
// proposals carrying Err so they surface as rejections.
func readMapping(raw json.RawMessage) []proposal {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var byQuestionnaire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byQuestionnaire); err != nil {
		return nil
	}

	var out []proposal
	for q, itemsRaw := range byQuestionnaire {
		var items map[string]json.RawMessage
		if err := json.Unmarshal(itemsRaw, &items); err != nil {
			out = append(out, proposal{Questionnaire: q, Err: errNotAnObject, Raw: string(itemsRaw)})
			continue
		}
		for id, v := range items {
			p := proposal{Questionnaire: q, ItemID: strings.TrimSpace(id), Raw: string(v)}
			p.Score, p.Revision, p.Err = readScore(v)
			out = append(out, p)
		}
	}
	return out
}

func readScore(raw json.RawMessage) (int, bool, error) {
	var entry struct {
		Score    json.RawMessage `json:"score"`
		Revision json.RawMessage `json:"revision"`
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &entry); err != nil {
			return 0, false, errNotAnObject
		}
		revision := false
		if len(entry.Revision) > 0 {
			revision = readBool(entry.Revision)
		}
		score, err := readInt(entry.Score)
		return score, revision, err
	}
	score, err := readInt(trimmed)
	return score, false, err
}

func readInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errInvalidScore
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errInvalidScore
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errInvalidScore
	}
	return int(f), nil
}

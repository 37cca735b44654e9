package backend

import (
	"context"
	"log"

	"faithful/internal/tools"
	"faithful/internal/util"
)

// maxToolRounds bounds how many times one generation may go back to the
// model with tool results before we force a plain completion.
const maxToolRounds = 5

// toolSession is one provider-side conversation in flight. Call sends the
// accumulated messages and returns the model's text and any tool calls;
// AppendResult adds a tool result for the next Call.
type toolSession interface {
	Call(ctx context.Context, defs []tools.Definition) (text string, calls []tools.Call, err error)
	AppendResult(call tools.Call, result string)
}

// runToolLoop drives a session to a final text answer. Each round that
// returns tool calls gets executed and fed back; after maxToolRounds the
// model is called once more with no tools so it must answer.
func runToolLoop(ctx context.Context, logPrefix string, s toolSession, exec *tools.Executor, env tools.CallEnv, defs []tools.Definition) (string, error) {
	for round := 0; round < maxToolRounds; round++ {
		text, calls, err := s.Call(ctx, defs)
		if err != nil {
			return "", err
		}
		if len(calls) == 0 {
			return text, nil
		}

		for _, call := range calls {
			var result string
			if exec == nil {
				result = `{"error": "tools unavailable"}`
			} else {
				result = exec.Execute(ctx, call, env)
			}
			log.Printf("%s round=%d tool=%s result=%s", logPrefix, round+1, call.Name, util.PreviewString(result, 120))
			s.AppendResult(call, result)
		}
	}

	log.Printf("%s tool budget exhausted, forcing final answer", logPrefix)
	text, _, err := s.Call(ctx, nil)
	return text, err
}

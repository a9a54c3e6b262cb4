package agent

import "github.com/haasonsaas/agentloop/pkg/models"

const (
	pendingApprovalResult = "This tool call is awaiting user approval and has not been executed."
	missingResult         = "No result was recorded for this tool call."
)

// repairTranscript builds the model view of a stored history. Every assistant
// tool call is followed directly by exactly one result, taken from wherever
// the stored answer sits (approvals can land after later turns). Calls with
// no stored answer get a synthetic result. Tool messages that answer no known
// call, and duplicate answers, are dropped. The stored history is not modified.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	answers := make(map[string]*models.Message)
	for _, msg := range history {
		if msg == nil || msg.Role != models.RoleTool || msg.ToolCallID == "" {
			continue
		}
		if _, seen := answers[msg.ToolCallID]; !seen {
			answers[msg.ToolCallID] = msg
		}
	}

	repaired := make([]*models.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleTool:
			// Emitted next to the call that produced it.
			continue
		case models.RoleAssistant:
			repaired = append(repaired, msg)
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				if answer, ok := answers[call.ID]; ok {
					repaired = append(repaired, answer)
					delete(answers, call.ID)
					continue
				}
				content := missingResult
				if call.Pending() {
					content = pendingApprovalResult
				}
				repaired = append(repaired, &models.Message{
					ThreadID:   msg.ThreadID,
					Role:       models.RoleTool,
					Content:    content,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					IsError:    true,
				})
			}
		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}

package assist

import "strings"

// ReworkMarker separates user feedback (above) from the generated
// draft (below). Users type instructions on top of the draft and
// re-apply the rework label.
const ReworkMarker = "✂️"

// FinalReworkNotice is prepended to the last automatic regeneration.
const FinalReworkNotice = "⚠️ This is the last automatic rework. Further changes must be made manually."

// WrapWithMarker prepends the rework marker to a draft body.
func WrapWithMarker(draftBody string) string {
	return "\n\n" + ReworkMarker + "\n\n" + draftBody
}

// ExtractInstruction splits a draft body at the rework marker and
// returns (instruction above, draft below). Without a marker the whole
// body is treated as draft.
func ExtractInstruction(draftBody string) (string, string) {
	if !strings.Contains(draftBody, ReworkMarker) {
		return "", draftBody
	}

	parts := strings.SplitN(draftBody, ReworkMarker, 2)
	instruction := strings.TrimSpace(parts[0])
	draft := ""
	if len(parts) > 1 {
		draft = strings.TrimSpace(parts[1])
	}
	return instruction, draft
}

// PrependFinalNotice marks a draft as the last automatic rework.
func PrependFinalNotice(draftBody string) string {
	return FinalReworkNotice + "\n\n" + draftBody
}

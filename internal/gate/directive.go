package gate

import (
	"fmt"
	"strings"
)

// ReviewDescriptionPrefix marks the description field of a reviewer
// invocation. The recorder resolves the reviewed key from it.
const ReviewDescriptionPrefix = "canary-review:"

const directiveRule = "=================================================="

// ReviewDescription returns the exact description a reviewer invocation
// must carry for key.
func ReviewDescription(key string) string {
	return ReviewDescriptionPrefix + " " + key
}

// BuildDirective renders the remediation text for the blocking
// decisions. Rejected keys get a terminal notice without the review
// path; all other blocked keys are listed for review.
func BuildDirective(reviewer string, decisions []Decision) string {
	var terminal, review []Decision
	for _, d := range decisions {
		if d.Action != ActionBlock {
			continue
		}
		if d.Terminal {
			terminal = append(terminal, d)
		} else {
			review = append(review, d)
		}
	}

	var parts []string
	for _, d := range terminal {
		parts = append(parts, rejectedNotice(d.Key))
	}
	if len(review) > 0 {
		parts = append(parts, reviewDirective(reviewer, review))
	}
	return strings.Join(parts, "\n\n")
}

func rejectedNotice(key string) string {
	return fmt.Sprintf("CANARY: %s was marked as dangerous and will not run.\n"+
		"Do not retry this action. A human can reverse the decision with:\n"+
		"  canary revoke %s", key, key)
}

func reviewDirective(reviewer string, decisions []Decision) string {
	var b strings.Builder
	b.WriteString("CANARY: SECURITY REVIEW REQUIRED\n")
	b.WriteString(directiveRule + "\n\n")
	b.WriteString("Before proceeding, launch one security review per extension below using the Task tool:\n")
	fmt.Fprintf(&b, "  subagent_type: %q\n", reviewer)
	fmt.Fprintf(&b, "  description: %q (exactly, with the extension key)\n", ReviewDescription("<extension key>"))
	b.WriteString("  prompt: include the extension key and every file path listed below.\n")

	for _, d := range decisions {
		fmt.Fprintf(&b, "\nExtension: %s\n", d.Key)
		fmt.Fprintf(&b, "  description: %q\n", ReviewDescription(d.Key))
		b.WriteString("Files to review:\n")
		if len(d.Files) == 0 {
			b.WriteString("  (none recorded: the extension is not in the installed registry; locate and review its files)\n")
			continue
		}
		for _, f := range d.Files {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}

	b.WriteString("\nThe review report must end with exactly one line:\n")
	b.WriteString("  VERDICT: SAFE | DANGEROUS | UNCERTAIN\n\n")
	b.WriteString("After the review completes, present the findings to the user, then retry your original action.")
	return b.String()
}

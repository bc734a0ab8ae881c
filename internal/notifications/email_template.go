package notifications

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/copperline/jitbroker/internal/entitlement"
)

// ProposalEmailData feeds the "approval requested" mail.
type ProposalEmailData struct {
	Requester     string
	Roles         []entitlement.ProjectRole
	Justification string
	StartTime     time.Time
	EndTime       time.Time
	ApprovalURL   string
	TokenExpiry   time.Time
}

// ApprovalEmailData feeds the "activation approved" mail.
type ApprovalEmailData struct {
	Requester     string
	Approver      string
	Roles         []entitlement.ProjectRole
	Justification string
	StartTime     time.Time
	EndTime       time.Time
}

const emailTimeFormat = "Jan 2, 2006 15:04 MST"

// ProposalEmail renders the mail that carries a proposal token to its
// reviewers.
func ProposalEmail(data ProposalEmailData) (subject, htmlBody, textBody string) {
	subject = fmt.Sprintf("[JIT Access] %s requests access to %s",
		data.Requester, summarizeRoles(data.Roles))

	escapedRequester := html.EscapeString(data.Requester)
	escapedJustification := html.EscapeString(data.Justification)
	escapedURL := html.EscapeString(data.ApprovalURL)
	escapedWindow := html.EscapeString(formatWindow(data.StartTime, data.EndTime))
	escapedExpiry := html.EscapeString(data.TokenExpiry.UTC().Format(emailTimeFormat))

	var roleRows strings.Builder
	for _, role := range data.Roles {
		roleRows.WriteString(fmt.Sprintf(`
                <div class="detail-row">
                    <span class="detail-label">%s</span>
                    <span class="detail-value">%s</span>
                </div>`,
			html.EscapeString(role.ProjectID.String()),
			html.EscapeString(role.Role)))
	}

	htmlBody = fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; background: #f5f5f5; margin: 0; padding: 0; }
        .container { max-width: 600px; margin: 20px auto; background: #fff; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { background: #1a3c6e; color: #fff; padding: 20px; text-align: center; }
        .header h1 { margin: 0; font-size: 20px; font-weight: 500; }
        .content { padding: 30px; }
        .justification { background: #f0f4fa; border-left: 4px solid #1a3c6e; padding: 16px; margin: 20px 0; border-radius: 4px; }
        .details { background: #f8f9fa; padding: 20px; border-radius: 4px; margin: 20px 0; }
        .detail-row { display: flex; justify-content: space-between; margin: 8px 0; gap: 20px; }
        .detail-label { color: #666; }
        .detail-value { font-weight: 500; color: #1a1a1a; text-align: right; }
        .button { display: inline-block; background: #1a3c6e; color: #fff !important; padding: 12px 28px; border-radius: 4px; text-decoration: none; font-weight: 500; }
        .footer { background: #f8f9fa; padding: 16px; text-align: center; color: #666; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Access approval requested</h1>
        </div>
        <div class="content">
            <p><strong>%s</strong> asks you to approve temporary access to the following roles:</p>
            <div class="details">%s
                <div class="detail-row">
                    <span class="detail-label">Requested window</span>
                    <span class="detail-value">%s</span>
                </div>
            </div>
            <div class="justification">%s</div>
            <p style="text-align: center; margin: 28px 0;">
                <a class="button" href="%s">Review request</a>
            </p>
        </div>
        <div class="footer">
            This request expires %s. If you do not recognize it, ignore this mail.
        </div>
    </div>
</body>
</html>`,
		escapedRequester, roleRows.String(), escapedWindow,
		escapedJustification, escapedURL, escapedExpiry)

	var text strings.Builder
	fmt.Fprintf(&text, "%s asks you to approve temporary access.\n\n", data.Requester)
	for _, role := range data.Roles {
		fmt.Fprintf(&text, "  %s on %s\n", role.Role, role.ProjectID)
	}
	fmt.Fprintf(&text, "\nRequested window: %s\n", formatWindow(data.StartTime, data.EndTime))
	fmt.Fprintf(&text, "Justification: %s\n\n", data.Justification)
	fmt.Fprintf(&text, "Review the request: %s\n\n", data.ApprovalURL)
	fmt.Fprintf(&text, "This request expires %s.\n", data.TokenExpiry.UTC().Format(emailTimeFormat))
	textBody = text.String()

	return subject, htmlBody, textBody
}

// ApprovalEmail renders the confirmation sent once an activation has
// been provisioned.
func ApprovalEmail(data ApprovalEmailData) (subject, htmlBody, textBody string) {
	subject = fmt.Sprintf("[JIT Access] Access to %s approved", summarizeRoles(data.Roles))

	escapedRequester := html.EscapeString(data.Requester)
	escapedApprover := html.EscapeString(data.Approver)
	escapedJustification := html.EscapeString(data.Justification)
	escapedWindow := html.EscapeString(formatWindow(data.StartTime, data.EndTime))

	var roleRows strings.Builder
	for _, role := range data.Roles {
		roleRows.WriteString(fmt.Sprintf(`
                <div class="detail-row">
                    <span class="detail-label">%s</span>
                    <span class="detail-value">%s</span>
                </div>`,
			html.EscapeString(role.ProjectID.String()),
			html.EscapeString(role.Role)))
	}

	htmlBody = fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; background: #f5f5f5; margin: 0; padding: 0; }
        .container { max-width: 600px; margin: 20px auto; background: #fff; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { background: #1e6e3c; color: #fff; padding: 20px; text-align: center; }
        .header h1 { margin: 0; font-size: 20px; font-weight: 500; }
        .content { padding: 30px; }
        .justification { background: #f0faf4; border-left: 4px solid #1e6e3c; padding: 16px; margin: 20px 0; border-radius: 4px; }
        .details { background: #f8f9fa; padding: 20px; border-radius: 4px; margin: 20px 0; }
        .detail-row { display: flex; justify-content: space-between; margin: 8px 0; gap: 20px; }
        .detail-label { color: #666; }
        .detail-value { font-weight: 500; color: #1a1a1a; text-align: right; }
        .footer { background: #f8f9fa; padding: 16px; text-align: center; color: #666; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Access approved</h1>
        </div>
        <div class="content">
            <p><strong>%s</strong> approved access for <strong>%s</strong>:</p>
            <div class="details">%s
                <div class="detail-row">
                    <span class="detail-label">Active window</span>
                    <span class="detail-value">%s</span>
                </div>
            </div>
            <div class="justification">%s</div>
        </div>
        <div class="footer">
            The bindings expire automatically at the end of the window.
        </div>
    </div>
</body>
</html>`,
		escapedApprover, escapedRequester, roleRows.String(),
		escapedWindow, escapedJustification)

	var text strings.Builder
	fmt.Fprintf(&text, "%s approved access for %s.\n\n", data.Approver, data.Requester)
	for _, role := range data.Roles {
		fmt.Fprintf(&text, "  %s on %s\n", role.Role, role.ProjectID)
	}
	fmt.Fprintf(&text, "\nActive window: %s\n", formatWindow(data.StartTime, data.EndTime))
	fmt.Fprintf(&text, "Justification: %s\n", data.Justification)
	fmt.Fprintf(&text, "\nThe bindings expire automatically at the end of the window.\n")
	textBody = text.String()

	return subject, htmlBody, textBody
}

// summarizeRoles renders a short role summary for subjects: the single
// role, or the first role plus a count.
func summarizeRoles(roles []entitlement.ProjectRole) string {
	switch len(roles) {
	case 0:
		return "(no roles)"
	case 1:
		return fmt.Sprintf("%s on %s", roles[0].Role, roles[0].ProjectID)
	default:
		return fmt.Sprintf("%s on %s (+%d more)", roles[0].Role, roles[0].ProjectID, len(roles)-1)
	}
}

func formatWindow(start, end time.Time) string {
	return fmt.Sprintf("%s to %s",
		start.UTC().Format(emailTimeFormat),
		end.UTC().Format(emailTimeFormat))
}

// Package notify holds the bot messages and notifications the
// aggregator can send, and the Notifier that routes them to chat
// platforms and email according to each user's preferences.
package notify

import (
	"fmt"
	"strings"

	"github.com/makerspaceleiden/aggregator/internal/model"
)

// Command is a bot command hint, rendered as a keyboard by chat
// platforms that support it.
type Command struct {
	Text        string
	Description string
}

// Command sets offered after a message.
var (
	BasicCommands = []Command{
		{Text: "who", Description: "Show the last checkins at the Space"},
		{Text: "help", Description: "Show the available commands"},
		{Text: "out", Description: "Check-out of the Space"},
	}
	YesNoCommands = []Command{
		{Text: "yes", Description: "Yes"},
		{Text: "no", Description: "No"},
	}
)

// Message is anything the bot can say. Text is the chat rendering;
// EmailText and Subject are used when the message goes out by email.
type Message interface {
	Text() string
	EmailText() string
	Subject() string
	Commands() []Command
}

// basic provides the default command set and email rendering.
type basic struct{}

func (basic) Commands() []Command { return BasicCommands }

// yesNo marks messages that expect a yes/no answer.
type yesNo struct{}

func (yesNo) Commands() []Command { return YesNoCommands }

// NotRegistered greets senders whose chat account is not linked to a
// membership.
type NotRegistered struct{ basic }

func (NotRegistered) Text() string {
	return "Hi! I'm the MakerSpace Leiden BOT.\n" +
		"In order to interact with me you must first connect your CRM account.\n" +
		"You can do that from the your Your Data page, in the Notification Settings."
}
func (m NotRegistered) EmailText() string { return m.Text() }
func (NotRegistered) Subject() string     { return "Connect your account" }

// Who replies with the current space snapshot.
type Who struct {
	basic
	User  model.User
	State model.SpaceState
}

func (m Who) Text() string {
	openness := "closed"
	if m.State.SpaceOpen {
		openness = "OPEN"
	}
	lines := []string{fmt.Sprintf("%s, the space is marked as %s.", m.User.FirstName, openness)}
	if len(m.State.UsersInSpace) == 0 {
		lines = append(lines, "There's no one at the space now.")
	} else {
		lines = append(lines, "Latest checkins today:")
		for _, ci := range m.State.UsersInSpace {
			name := "someone"
			if ci.User != nil {
				name = ci.User.FullName
			}
			lines = append(lines, fmt.Sprintf(" - %s (%s - %s)", name, ci.TSCheckinHuman, ci.TSCheckin))
		}
	}
	return strings.Join(lines, "\n")
}
func (m Who) EmailText() string { return m.Text() }
func (Who) Subject() string     { return "Who is at the space" }

// Unknown replies to commands the bot doesn't understand.
type Unknown struct {
	basic
	User model.User
}

func (m Unknown) Text() string {
	return fmt.Sprintf("Sorry %s, I don't understand that command. Try \"help\".", m.User.FirstName)
}
func (m Unknown) EmailText() string { return m.Text() }
func (Unknown) Subject() string     { return "Unknown command" }

// Help lists the available commands.
type Help struct {
	basic
	User         model.User
	HelpCommands []Command
}

func (m Help) Text() string {
	cmds := m.HelpCommands
	if len(cmds) == 0 {
		cmds = BasicCommands
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s! I'm the MakerSpace Leiden BOT.\n", m.User.FirstName)
	b.WriteString("I try to help where I can, reminding people to turn off machines, and stuff like that.\n")
	b.WriteString("These are the commands you can type:\n")
	for i, c := range cmds {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s - %s", c.Text, c.Description)
	}
	return b.String()
}
func (m Help) EmailText() string { return m.Text() }
func (Help) Subject() string     { return "Available commands" }

// NotInSpace replies to "out" when the user is not checked in.
type NotInSpace struct {
	basic
	User model.User
}

func (m NotInSpace) Text() string {
	return fmt.Sprintf("%s, it doesn't look like you are in the space in this moment.", m.User.FirstName)
}
func (m NotInSpace) EmailText() string { return m.Text() }
func (NotInSpace) Subject() string     { return "Not checked in" }

// ConfirmCheckout asks the user to confirm a checkout.
type ConfirmCheckout struct {
	yesNo
	User      model.User
	TSCheckin string
}

func (m ConfirmCheckout) Text() string {
	return fmt.Sprintf("So, %s, it looks like you checked into the Space at %s.\nDo you want to check-out now?",
		m.User.FirstName, m.TSCheckin)
}
func (m ConfirmCheckout) EmailText() string { return m.Text() }
func (ConfirmCheckout) Subject() string     { return "Confirm checkout" }

// ConfirmedCheckout acknowledges a completed checkout.
type ConfirmedCheckout struct {
	basic
	User model.User
}

func (m ConfirmedCheckout) Text() string {
	return fmt.Sprintf("Ok %s, you are now checked out of the Space.", m.User.FirstName)
}
func (m ConfirmedCheckout) EmailText() string { return m.Text() }
func (ConfirmedCheckout) Subject() string     { return "Checked out" }

// Cancel acknowledges an aborted flow.
type Cancel struct{ basic }

func (Cancel) Text() string        { return "Ok, never mind." }
func (m Cancel) EmailText() string { return m.Text() }
func (Cancel) Subject() string     { return "Never mind" }

// AskForVolunteering asks a recently-seen user to sign up for a chore.
type AskForVolunteering struct {
	yesNo
	User      model.User
	ChoreName string
	When      string
}

func (m AskForVolunteering) Text() string {
	return fmt.Sprintf("%s, the chore \"%s\" is coming up on %s and nobody signed up for it yet.\nCan you help out? Answer \"yes\" to volunteer.",
		m.User.FirstName, m.ChoreName, m.When)
}
func (m AskForVolunteering) EmailText() string {
	return fmt.Sprintf("Hello %s,\n\n"+
		"The chore \"%s\" is coming up on %s and nobody signed up for it yet.\n"+
		"Can you help out? You can sign up by answering \"yes\" to the Chat BOT.\n\n"+
		"The MakerSpace BOT",
		m.User.FirstName, m.ChoreName, m.When)
}
func (m AskForVolunteering) Subject() string {
	return fmt.Sprintf("Volunteers needed: %s", m.ChoreName)
}

// ConfirmedVolunteering thanks a user for signing up.
type ConfirmedVolunteering struct {
	basic
	User      model.User
	ChoreName string
	When      string
}

func (m ConfirmedVolunteering) Text() string {
	return fmt.Sprintf("Thank you %s! You are signed up for \"%s\" on %s.", m.User.FirstName, m.ChoreName, m.When)
}
func (m ConfirmedVolunteering) EmailText() string { return m.Text() }
func (m ConfirmedVolunteering) Subject() string {
	return fmt.Sprintf("Signed up for %s", m.ChoreName)
}

// VolunteeringNotNecessary tells a user enough people signed up already.
type VolunteeringNotNecessary struct {
	basic
	User      model.User
	ChoreName string
}

func (m VolunteeringNotNecessary) Text() string {
	return fmt.Sprintf("Thanks %s, but enough people already signed up for \"%s\". Maybe next time!", m.User.FirstName, m.ChoreName)
}
func (m VolunteeringNotNecessary) EmailText() string { return m.Text() }
func (m VolunteeringNotNecessary) Subject() string {
	return fmt.Sprintf("No volunteers needed for %s", m.ChoreName)
}

// VolunteeringReminder reminds a signed-up volunteer the evening
// before the chore.
type VolunteeringReminder struct {
	basic
	User      model.User
	ChoreName string
	When      string
}

func (m VolunteeringReminder) Text() string {
	return fmt.Sprintf("%s, a quick reminder: you signed up for \"%s\", happening %s. Thanks for helping out!",
		m.User.FirstName, m.ChoreName, m.When)
}
func (m VolunteeringReminder) EmailText() string { return m.Text() }
func (m VolunteeringReminder) Subject() string {
	return fmt.Sprintf("Reminder: %s", m.ChoreName)
}

// MissingVolunteers is the email nudge sent to the members mailing
// list when a chore has no volunteers yet.
type MissingVolunteers struct {
	basic
	ChoreName   string
	Description string
	When        string
}

func (m MissingVolunteers) Text() string {
	return fmt.Sprintf("The chore \"%s\" (%s) is coming up on %s and has no volunteers yet. Who can help out?",
		m.ChoreName, m.Description, m.When)
}
func (m MissingVolunteers) EmailText() string {
	return fmt.Sprintf("Hello makers,\n\n"+
		"The chore \"%s\" (%s) is coming up on %s and has no volunteers yet.\n"+
		"Who can help out? You can sign up via the Chat BOT.\n\n"+
		"The MakerSpace BOT",
		m.ChoreName, m.Description, m.When)
}
func (m MissingVolunteers) Subject() string {
	return fmt.Sprintf("Volunteers needed: %s", m.ChoreName)
}

// StaleCheckout is the morning-after reminder for a forgotten checkout.
type StaleCheckout struct {
	basic
	User        model.User
	TSCheckin   string
	SettingsURL string
}

func (m StaleCheckout) Text() string {
	return fmt.Sprintf("Did you forget to checkout yesterday?\nYou entered the Space at %s", m.TSCheckin)
}
func (m StaleCheckout) EmailText() string {
	return fmt.Sprintf("Hello %s,\n\n"+
		"It looks like you might have forgotten to checkout at the space yesterday?\n"+
		"According to the logs you entered the space at %s, but there's no trace of a checkout.\n\n"+
		"Checking out is useful so that other people know when to expect other fellow makers at the space, "+
		"and it allows me to provide useful reminders, like if the lights are still on when the last person leaves.\n\n"+
		"Checking out can be done when you leave, by simply swiping your card again, while you hold the door open on your way out.\n"+
		"Or it can also be done via the Chat BOT (Telegram or Signal). If you would like to use the Chat BOT, "+
		"you can activate it from your personal data page in the CRM. This is the link: %s\n\n"+
		"The MakerSpace BOT\n\n"+
		"PS. If you would rather receive these communications via the Chat BOT instead of email, "+
		"you can configure your notification settings at the URL above.",
		m.User.FirstName, m.TSCheckin, m.SettingsURL)
}
func (StaleCheckout) Subject() string { return "Forgot to checkout" }

// MachineLeftOn warns the user their machine went back to idle while
// still attributed to them.
type MachineLeftOn struct {
	basic
	MachineName string
}

func (m MachineLeftOn) Text() string {
	return fmt.Sprintf("You forgot to press the red button on the %s! But don't worry: it turned off automatically. Just don't forget next time. ;-)", m.MachineName)
}
func (m MachineLeftOn) EmailText() string { return m.Text() }
func (m MachineLeftOn) Subject() string {
	return fmt.Sprintf("%s left on", m.MachineName)
}

// Problem is one issue noticed when a user leaves the space.
type Problem interface {
	ProblemText() string
}

// MachineLeftOnByUser flags a machine the leaving user powered.
type MachineLeftOnByUser struct{ MachineName string }

func (p MachineLeftOnByUser) ProblemText() string {
	return fmt.Sprintf("You left the %s turned on (press the RED button!)", p.MachineName)
}

// MachineLeftOnBySomeoneElse flags a machine powered by someone no
// longer present.
type MachineLeftOnBySomeoneElse struct{ MachineName string }

func (p MachineLeftOnBySomeoneElse) ProblemText() string {
	return fmt.Sprintf("Someone left the %s turned on (please, press the RED button)", p.MachineName)
}

// SpaceLeftOpen flags the big switch still on OPEN.
type SpaceLeftOpen struct{}

func (SpaceLeftOpen) ProblemText() string {
	return "The big switch (left of the door) was left on the OPEN position"
}

// LightLeftOn flags a light group still burning.
type LightLeftOn struct{ Light model.Light }

func (p LightLeftOn) ProblemText() string {
	return fmt.Sprintf("The %s lights were left on", p.Light.Name)
}

// ProblemsLeaving reports the issues noticed when a user checks out.
type ProblemsLeaving struct {
	basic
	User       model.User
	TSCheckout string
	Problems   []Problem
	IsLast     bool
}

func (m ProblemsLeaving) Text() string {
	var lines []string
	if m.IsLast {
		lines = append(lines, fmt.Sprintf("%s, it appears you were the last leaving the space at %s.", m.User.FirstName, m.TSCheckout))
	} else {
		lines = append(lines, fmt.Sprintf("%s, it appears you left the space at %s.", m.User.FirstName, m.TSCheckout))
	}
	lines = append(lines, "I noticed the following issues:")
	for _, p := range m.Problems {
		lines = append(lines, " - "+p.ProblemText())
	}
	lines = append(lines, "Please remember to take care of this sort of things when you leave the space!")
	return strings.Join(lines, "\n")
}
func (m ProblemsLeaving) EmailText() string {
	var lines []string
	lines = append(lines, fmt.Sprintf("Hello %s,\n", m.User.FirstName))
	if m.IsLast {
		lines = append(lines, fmt.Sprintf("It appears you were the last leaving the space at %s.", m.TSCheckout))
	} else {
		lines = append(lines, fmt.Sprintf("It appears you left the space at %s.", m.TSCheckout))
	}
	lines = append(lines, "\nI noticed the following issues:")
	for _, p := range m.Problems {
		lines = append(lines, " - "+p.ProblemText())
	}
	lines = append(lines, "\nPlease remember to take care of this sort of things when you leave the space!")
	lines = append(lines, "\nYours truly,")
	lines = append(lines, "The MakerSpace BOT")
	return strings.Join(lines, "\n")
}
func (ProblemsLeaving) Subject() string { return "Forgotten when leaving the space" }

// TestNotification is a harmless message for verifying a user's
// delivery channels end to end.
type TestNotification struct {
	basic
	User model.User
}

func (m TestNotification) Text() string {
	return fmt.Sprintf("Hello %s! This is a test notification from your friendly MakerSpace BOT. You can safely ignore it. Cheers!", m.User.FirstName)
}
func (m TestNotification) EmailText() string {
	return fmt.Sprintf("Hello %s!\n\n"+
		"This is a test notification from your friendly MakerSpace BOT.\n"+
		"You can safely ignore it.\n\n"+
		"Cheers!\n"+
		"The MakerSpace BOT", m.User.FirstName)
}
func (TestNotification) Subject() string { return "Test notification" }

package auth

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// DeniedError explains why Allowed refused an event. Denied is always
// returned as an error so call sites use ordinary Go error handling.
type DeniedError struct {
	EventID string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("event %s denied: %s", e.EventID, e.Reason)
}

func denied(ev *event.PDU, format string, args ...interface{}) error {
	return &DeniedError{EventID: string(ev.EventID()), Reason: fmt.Sprintf(format, args...)}
}

// Allowed evaluates the authorization predicate for ev against authState.
// It is pure: given the same (ev, authState, rules) it always returns the
// same result, and it never mutates authState. Returns nil if the event is
// authorized, or a *DeniedError otherwise.
func Allowed(ev *event.PDU, authState StateProvider, rules version.Rules) error {
	if ev.RoomID() != authState.RoomID() {
		// Auth events from a different room must never authorize an
		// event, even if the individual rule checks would otherwise pass.
		return denied(ev, "auth state belongs to a different room than the event")
	}

	if ev.Type() == spec.MRoomCreate {
		return authorizeCreate(ev, authState, rules)
	}

	create := authState.Create()
	if create == nil {
		return denied(ev, "no m.room.create event in auth state")
	}
	if err := checkCreateSanity(create); err != nil {
		return denied(ev, "invalid m.room.create: %v", err)
	}

	if ev.Type() == spec.MRoomMember {
		return authorizeMembership(ev, authState, rules)
	}

	sender := ev.Sender()
	senderMembership := membershipOf(authState.Member(sender))
	if senderMembership != spec.MembershipJoin {
		return denied(ev, "sender %s is not joined to the room (membership=%q)", sender, senderMembership)
	}

	creatorID := CreatorOf(create)
	power := ParsePowerLevels(authState.PowerLevels(), creatorID, rules)

	if ev.Type() == spec.MRoomPowerLevels {
		return authorizePowerLevels(ev, authState.PowerLevels(), power, rules)
	}

	required := power.EventLevel(ev.Type(), ev.IsStateEvent())
	if power.UserLevel(sender) < required {
		return denied(ev, "sender power level %d below required %d for event type %s", power.UserLevel(sender), required, ev.Type())
	}

	logrus.WithFields(logrus.Fields{
		"event_id": ev.EventID(),
		"type":     ev.Type(),
		"sender":   sender,
	}).Debug("auth: event allowed")
	return nil
}

func membershipOf(member *event.PDU) string {
	if member == nil {
		return spec.MembershipLeave
	}
	return gjson.GetBytes(member.Content(), "membership").String()
}

// CreatorOf returns the room creator's user ID per create's content, falling
// back to room version 11+'s convention of reading it from the sender.
func CreatorOf(create *event.PDU) string {
	if create == nil {
		return ""
	}
	if c := gjson.GetBytes(create.Content(), "creator"); c.Exists() {
		return c.String()
	}
	return create.Sender()
}

func checkCreateSanity(create *event.PDU) error {
	if create.Sender() == "" {
		return fmt.Errorf("m.room.create has no sender")
	}
	roomID, err := spec.ParseRoomID(create.RoomID())
	if err != nil {
		return err
	}
	sender, err := spec.NewUserID(create.Sender())
	if err != nil {
		return err
	}
	if sender.Domain() != roomID.Domain() {
		// Not strictly required by every room version, but a sane
		// invariant for the common case where room IDs are
		// server-assigned at creation.
		return nil
	}
	return nil
}

func authorizeCreate(ev *event.PDU, authState StateProvider, rules version.Rules) error {
	if len(ev.PrevEvents()) != 0 {
		// m.room.create is the DAG root; per spec it must have no
		// prev_events within its own room.
		return denied(ev, "m.room.create must have no prev_events")
	}
	return nil
}

func authorizePowerLevels(ev *event.PDU, existing *event.PDU, current PowerLevelsContent, rules version.Rules) error {
	sender := ev.Sender()
	required := current.EventLevel(spec.MRoomPowerLevels, true)
	if current.UserLevel(sender) < required {
		return denied(ev, "sender power level %d below required %d to change power levels", current.UserLevel(sender), required)
	}

	proposed := ParsePowerLevels(&event.PDU{RawJSON: ev.RawJSON}, "", rules)
	senderLevel := current.UserLevel(sender)

	// Each individual power-level change must be permitted by the
	// previous power_levels event. A sender may not set
	// any value (including their own or another user's level) higher
	// than their own current level, nor change a user's level who is
	// currently at or above their own level.
	checks := []struct {
		name string
		old  int64
		new  int64
	}{
		{"users_default", current.UsersDefault, proposed.UsersDefault},
		{"events_default", current.EventsDefault, proposed.EventsDefault},
		{"state_default", current.StateDefault, proposed.StateDefault},
		{"ban", current.Ban, proposed.Ban},
		{"kick", current.Kick, proposed.Kick},
		{"redact", current.Redact, proposed.Redact},
		{"invite", current.Invite, proposed.Invite},
	}
	for _, c := range checks {
		if c.old != c.new && (c.old > senderLevel || c.new > senderLevel) {
			return denied(ev, "power_levels change to %q (from %d to %d) exceeds sender level %d", c.name, c.old, c.new, senderLevel)
		}
	}
	for eventType, newLevel := range proposed.Events {
		oldLevel, existed := current.Events[eventType]
		if !existed {
			oldLevel = current.EventLevel(eventType, false)
		}
		if oldLevel != newLevel && (oldLevel > senderLevel || newLevel > senderLevel) {
			return denied(ev, "power_levels change to events[%q] exceeds sender level %d", eventType, senderLevel)
		}
	}
	for userID, newLevel := range proposed.Users {
		oldLevel := current.UserLevel(userID)
		if oldLevel == newLevel {
			continue
		}
		if oldLevel > senderLevel || (oldLevel == senderLevel && userID != sender) {
			return denied(ev, "cannot change power level of user %s who is at or above sender's own level", userID)
		}
		if newLevel > senderLevel {
			return denied(ev, "cannot grant user %s a power level higher than sender's own level", userID)
		}
	}
	return nil
}

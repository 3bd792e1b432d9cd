package auth

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// authorizeMembership is the most elaborate per-type case analysis: join,
// invite, knock, leave, ban, third-party invite redemption, and (for room
// versions that support it) restricted join-rule allow lists.
func authorizeMembership(ev *event.PDU, authState StateProvider, rules version.Rules) error {
	sk := ev.StateKey()
	if sk == nil {
		return denied(ev, "m.room.member must have a state_key")
	}
	targetID := *sk
	target, err := spec.NewUserID(targetID)
	if err != nil {
		return denied(ev, "invalid target user ID %q: %v", targetID, err)
	}
	_ = target

	newMembership := gjson.GetBytes(ev.Content(), "membership").String()
	if newMembership == "" {
		return denied(ev, "m.room.member content missing membership")
	}

	sender := ev.Sender()
	senderMembership := membershipOf(authState.Member(sender))
	targetMembership := membershipOf(authState.Member(targetID))

	create := authState.Create()
	creatorID := CreatorOf(create)
	power := ParsePowerLevels(authState.PowerLevels(), creatorID, rules)
	joinRule := joinRuleOf(authState.JoinRules())

	switch newMembership {
	case spec.MembershipJoin:
		if sender == targetID && targetID == creatorID && targetMembership == spec.MembershipLeave {
			// The creator's own first join is authorized unconditionally:
			// join_rule and power_levels state doesn't exist yet to grant
			// it otherwise.
			return nil
		}
		if tpi := gjson.GetBytes(ev.Content(), "third_party_invite"); tpi.Exists() {
			return authorizeThirdPartyInviteJoin(ev, sender, targetID, tpi, authState)
		}
		return authorizeJoin(ev, sender, targetID, senderMembership, targetMembership, joinRule, authState, power, rules)

	case spec.MembershipInvite:
		if sender != targetID && senderMembership != spec.MembershipJoin {
			return denied(ev, "sender %s must be joined to invite", sender)
		}
		if targetMembership == spec.MembershipJoin || targetMembership == spec.MembershipBan {
			return denied(ev, "cannot invite a user who is already joined or banned")
		}
		if power.UserLevel(sender) < power.Invite {
			return denied(ev, "sender power level %d below invite level %d", power.UserLevel(sender), power.Invite)
		}
		return nil

	case spec.MembershipKnock:
		if !rules.KnockingAllowed {
			return denied(ev, "room version does not support knocking")
		}
		if sender != targetID {
			return denied(ev, "only the target may submit their own knock")
		}
		if joinRule != "knock" && joinRule != "knock_restricted" {
			return denied(ev, "room join_rule %q does not permit knocking", joinRule)
		}
		if targetMembership == spec.MembershipJoin || targetMembership == spec.MembershipBan || targetMembership == spec.MembershipInvite {
			return denied(ev, "cannot knock while in membership state %q", targetMembership)
		}
		return nil

	case spec.MembershipLeave:
		if sender == targetID {
			if targetMembership == spec.MembershipBan {
				return denied(ev, "a banned user cannot unilaterally leave")
			}
			return nil
		}
		// Kick: sender removes another user.
		if senderMembership != spec.MembershipJoin {
			return denied(ev, "sender %s must be joined to kick", sender)
		}
		if power.UserLevel(sender) < power.Kick {
			return denied(ev, "sender power level %d below kick level %d", power.UserLevel(sender), power.Kick)
		}
		if power.UserLevel(targetID) >= power.UserLevel(sender) {
			return denied(ev, "cannot kick a user with power level >= sender's own")
		}
		return nil

	case spec.MembershipBan:
		if senderMembership != spec.MembershipJoin {
			return denied(ev, "sender %s must be joined to ban", sender)
		}
		if power.UserLevel(sender) < power.Ban {
			return denied(ev, "sender power level %d below ban level %d", power.UserLevel(sender), power.Ban)
		}
		if power.UserLevel(targetID) >= power.UserLevel(sender) {
			return denied(ev, "cannot ban a user with power level >= sender's own")
		}
		return nil

	default:
		return denied(ev, "unknown membership value %q", newMembership)
	}
}

func joinRuleOf(joinRules *event.PDU) string {
	if joinRules == nil {
		return "invite"
	}
	rule := gjson.GetBytes(joinRules.Content(), "join_rule").String()
	if rule == "" {
		return "invite"
	}
	return rule
}

func authorizeJoin(
	ev *event.PDU, sender, targetID, senderMembership, targetMembership, joinRule string,
	authState StateProvider, power PowerLevelsContent, rules version.Rules,
) error {
	if sender != targetID {
		return denied(ev, "sender %s may only set their own join membership", sender)
	}
	if targetMembership == spec.MembershipBan {
		return denied(ev, "a banned user cannot join")
	}
	if targetMembership == spec.MembershipJoin {
		// Idempotent rejoin (e.g. profile update via join event) is
		// always allowed regardless of join_rule.
		return nil
	}

	switch joinRule {
	case "public":
		return nil
	case "invite", "knock":
		if targetMembership != spec.MembershipInvite {
			return denied(ev, "join_rule %q requires an invite; target membership is %q", joinRule, targetMembership)
		}
		return nil
	case "restricted", "knock_restricted":
		if !rules.RestrictedJoinRulesAllowed {
			return denied(ev, "room version does not support join_rule %q", joinRule)
		}
		if targetMembership == spec.MembershipInvite {
			return nil
		}
		return authorizeRestrictedJoin(ev, authState)
	default:
		return denied(ev, "unknown join_rule %q", joinRule)
	}
}

// authorizeThirdPartyInviteJoin authorizes a join redeeming a third-party
// invite (content.third_party_invite), the m.room.third_party_invite auth
// edge. It is granted independent of join_rule once the cited invite
// event's token resolves, its signed mxid matches the joining user, and the
// signature over the signed block validates against one of the invite's
// public keys.
func authorizeThirdPartyInviteJoin(ev *event.PDU, sender, targetID string, tpi gjson.Result, authState StateProvider) error {
	if sender != targetID {
		return denied(ev, "sender %s may only redeem a third-party invite for themself", sender)
	}
	token := tpi.Get("signed.token").String()
	if token == "" {
		return denied(ev, "third_party_invite missing signed.token")
	}
	invite := authState.ThirdPartyInvite(token)
	if invite == nil {
		return denied(ev, "no m.room.third_party_invite event for token %q", token)
	}
	mxid := tpi.Get("signed.mxid").String()
	if mxid != targetID {
		return denied(ev, "third_party_invite signed.mxid %q does not match joining user %s", mxid, targetID)
	}
	if err := verifyThirdPartyInviteSignature(tpi.Get("signed"), invite); err != nil {
		return denied(ev, "third_party_invite signature check failed: %v", err)
	}
	return nil
}

// verifyThirdPartyInviteSignature checks that signed carries a valid
// Ed25519 signature under one of invite's public keys, the same way a
// server would check an identity server's signed 3pid binding.
func verifyThirdPartyInviteSignature(signed gjson.Result, invite *event.PDU) error {
	sigs := signed.Get("signatures")
	if !sigs.Exists() {
		return fmt.Errorf("signed block carries no signatures")
	}
	keys := publicKeysOf(invite)
	if len(keys) == 0 {
		return fmt.Errorf("m.room.third_party_invite has no public_keys")
	}
	raw := []byte(signed.Raw)
	var lastErr = fmt.Errorf("no signature validated against a public key")
	sigs.ForEach(func(_, byKeyID gjson.Result) bool {
		byKeyID.ForEach(func(_, sigB64 gjson.Result) bool {
			for _, key := range keys {
				if err := eventcrypto.Verify(raw, sigB64.String(), key); err == nil {
					lastErr = nil
					return false
				}
			}
			return true
		})
		return lastErr != nil
	})
	return lastErr
}

// publicKeysOf extracts the candidate verify keys from an
// m.room.third_party_invite event's content, which carries either a single
// legacy "public_key" or a "public_keys" list.
func publicKeysOf(invite *event.PDU) []ed25519.PublicKey {
	content := invite.Content()
	var keys []ed25519.PublicKey
	if pk := gjson.GetBytes(content, "public_key"); pk.Exists() {
		if decoded, err := decodeBase64Key(pk.String()); err == nil {
			keys = append(keys, decoded)
		}
	}
	gjson.GetBytes(content, "public_keys").ForEach(func(_, v gjson.Result) bool {
		if decoded, err := decodeBase64Key(v.Get("public_key").String()); err == nil {
			keys = append(keys, decoded)
		}
		return true
	})
	return keys
}

func decodeBase64Key(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		if b, err = base64.StdEncoding.DecodeString(s); err != nil {
			return nil, err
		}
	}
	return ed25519.PublicKey(b), nil
}

// authorizeRestrictedJoin authorizes a join under an m.room.join_rules
// event with join_rule "restricted"/"knock_restricted" (MSC3083): the
// allow list must be non-empty, and the join must name a
// join_authorised_via_users_server who is currently joined to this room.
// The rooms the allow list names are not consulted, so the joining user's
// own membership of them is not checked.
func authorizeRestrictedJoin(ev *event.PDU, authState StateProvider) error {
	joinRules := authState.JoinRules()
	if joinRules == nil {
		return denied(ev, "restricted join requires a join_rules event")
	}
	allow := gjson.GetBytes(joinRules.Content(), "allow")
	if !allow.IsArray() || len(allow.Array()) == 0 {
		return denied(ev, "restricted join_rules has an empty allow list")
	}
	authorisedVia := gjson.GetBytes(ev.Content(), "join_authorised_via_users_server").String()
	if authorisedVia == "" {
		return denied(ev, "restricted join missing join_authorised_via_users_server")
	}
	via := membershipOf(authState.Member(authorisedVia))
	if via != spec.MembershipJoin {
		return denied(ev, "join_authorised_via_users_server %q is not joined", authorisedVia)
	}
	return nil
}

package spec

const (
	// Join is the string constant "join"
	Join = "join"
	// Ban is the string constant "ban"
	Ban = "ban"
	// Leave is the string constant "leave"
	Leave = "leave"
	// Invite is the string constant "invite"
	Invite = "invite"
	// Knock is the string constant "knock"
	Knock = "knock"
	// Public is the string constant "public"
	Public = "public"
	// Private is the string constant "private"
	Private = "private"
	// Restricted is the string constant "restricted"
	Restricted = "restricted"
	// KnockRestricted is the string constant "knock_restricted" (MSC3787)
	KnockRestricted = "knock_restricted"
	// WorldReadable is the string constant "world_readable"
	WorldReadable = "world_readable"
	// Shared is the string constant "shared"
	Shared = "shared"
	// Invited is the string constant "invited"
	Invited = "invited"
	// Joined is the string constant "joined"
	Joined = "joined"
	// MRoomCreate https://spec.matrix.org/v1.7/client-server-api/#mroomcreate
	MRoomCreate = "m.room.create"
	// MRoomJoinRules https://spec.matrix.org/v1.7/client-server-api/#mroomjoin_rules
	MRoomJoinRules = "m.room.join_rules"
	// MRoomPowerLevels https://spec.matrix.org/v1.7/client-server-api/#mroompower_levels
	MRoomPowerLevels = "m.room.power_levels"
	// MRoomMember https://spec.matrix.org/v1.7/client-server-api/#mroommember
	MRoomMember = "m.room.member"
	// MRoomThirdPartyInvite https://spec.matrix.org/v1.7/client-server-api/#mroomthird_party_invite
	MRoomThirdPartyInvite = "m.room.third_party_invite"
	// MRoomAliases is the historical m.room.aliases state event.
	MRoomAliases = "m.room.aliases"
	// MRoomHistoryVisibility https://spec.matrix.org/v1.7/client-server-api/#mroomhistory_visibility
	MRoomHistoryVisibility = "m.room.history_visibility"
	// MRoomRedaction https://spec.matrix.org/v1.7/client-server-api/#mroomredaction
	MRoomRedaction = "m.room.redaction"
	// MRoomMessage https://spec.matrix.org/v1.7/client-server-api/#mroommessage
	MRoomMessage = "m.room.message"
)

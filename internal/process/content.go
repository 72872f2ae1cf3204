package process

import (
	"context"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/polycentric/internal/blob"
	"github.com/roach88/polycentric/internal/model"
)

func (h *Handle) setRegister(ctx context.Context, ct model.ContentType, value []byte, refs ...model.Reference) (model.Pointer, error) {
	return h.Append(ctx, ct, nil, AppendOptions{
		LWWElement: &model.LWWElement{Value: value, UnixMilliseconds: h.clock.NowMillis()},
		References: refs,
	})
}

func (h *Handle) setMember(ctx context.Context, ct model.ContentType, value []byte, op model.SetOperation) (model.Pointer, error) {
	return h.Append(ctx, ct, nil, AppendOptions{
		LWWElementSet: &model.LWWElementSet{Operation: op, Value: value, UnixMilliseconds: h.clock.NowMillis()},
	})
}

// Post publishes a text post. References link it to other events or
// subjects, e.g. a reply target.
func (h *Handle) Post(ctx context.Context, content string, refs ...model.Reference) (model.Pointer, error) {
	return h.Append(ctx, model.ContentTypePost, model.Post{Content: norm.NFC.String(content)}.Marshal(), AppendOptions{References: refs})
}

// SetUsername replaces the system's username. Text is stored in NFC so
// canonically equal names compare equal across clients.
func (h *Handle) SetUsername(ctx context.Context, name string) (model.Pointer, error) {
	return h.setRegister(ctx, model.ContentTypeUsername, []byte(norm.NFC.String(name)))
}

// SetDescription replaces the system's description.
func (h *Handle) SetDescription(ctx context.Context, description string) (model.Pointer, error) {
	return h.setRegister(ctx, model.ContentTypeDescription, []byte(norm.NFC.String(description)))
}

// SetAvatar points the system's avatar at a blob manifest.
func (h *Handle) SetAvatar(ctx context.Context, manifest model.Pointer) (model.Pointer, error) {
	return h.setRegister(ctx, model.ContentTypeAvatar, manifest.Marshal())
}

// SetBanner points the system's banner at a blob manifest.
func (h *Handle) SetBanner(ctx context.Context, manifest model.Pointer) (model.Pointer, error) {
	return h.setRegister(ctx, model.ContentTypeBanner, manifest.Marshal())
}

// Claim asserts ownership of an external identity.
func (h *Handle) Claim(ctx context.Context, c model.Claim) (model.Pointer, error) {
	return h.AppendContent(ctx, model.ContentTypeClaim, c.Marshal())
}

// Vouch endorses another system's claim.
func (h *Handle) Vouch(ctx context.Context, claim model.Pointer) (model.Pointer, error) {
	return h.Append(ctx, model.ContentTypeVouch, nil, AppendOptions{
		References: []model.Reference{model.PointerReference(claim)},
	})
}

// Opinion records like, dislike or neutral on subject. Only the latest
// opinion per subject counts.
func (h *Handle) Opinion(ctx context.Context, subject model.Reference, o model.Opinion) (model.Pointer, error) {
	return h.setRegister(ctx, model.ContentTypeOpinion, o.Bytes(), subject)
}

// Follow adds system to the follow set.
func (h *Handle) Follow(ctx context.Context, system model.PublicKey) (model.Pointer, error) {
	return h.setMember(ctx, model.ContentTypeFollow, system.Marshal(), model.SetOperationAdd)
}

// Unfollow removes system from the follow set.
func (h *Handle) Unfollow(ctx context.Context, system model.PublicKey) (model.Pointer, error) {
	return h.setMember(ctx, model.ContentTypeFollow, system.Marshal(), model.SetOperationRemove)
}

// AddServer adds a server URL to the set this system publishes to.
func (h *Handle) AddServer(ctx context.Context, server string) (model.Pointer, error) {
	return h.setMember(ctx, model.ContentTypeServer, []byte(server), model.SetOperationAdd)
}

// RemoveServer removes a server URL from the server set.
func (h *Handle) RemoveServer(ctx context.Context, server string) (model.Pointer, error) {
	return h.setMember(ctx, model.ContentTypeServer, []byte(server), model.SetOperationRemove)
}

// PublishBlob stores data as a blob and returns its manifest pointer.
func (h *Handle) PublishBlob(ctx context.Context, mime string, data []byte) (model.Pointer, error) {
	return blob.Publish(ctx, h, mime, data, blob.DefaultSectionSize)
}

// LoadBlob reassembles the blob at manifest from local storage.
func (h *Handle) LoadBlob(ctx context.Context, manifest model.Pointer) (*blob.Blob, error) {
	return blob.Load(ctx, h.store, manifest)
}

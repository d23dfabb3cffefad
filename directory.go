package inbox

import "context"

// Directory resolves user ids to display participants.
// Lookup returns entries only for ids it knows; missing ids are not an error.
type Directory interface {
	Lookup(ctx context.Context, ids []string) (map[string]Participant, error)
}

// AvatarUpdater is implemented by directories that can store a profile
// avatar URL. Service.UploadAvatar uses it when available.
type AvatarUpdater interface {
	SetAvatar(ctx context.Context, userID, url string) error
}

// decorate fills participant display data for msgs in place.
// Lookup failures are logged and leave the names empty.
func (s *Service) decorate(ctx context.Context, msgs []Message) {
	if s.opts.directory == nil || len(msgs) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(msgs)*2)
	ids := make([]string, 0, len(msgs)*2)
	for _, m := range msgs {
		for _, id := range [2]string{m.SenderID, m.RecipientID} {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	people, err := s.opts.directory.Lookup(ctx, ids)
	if err != nil {
		s.logger.Warn("directory lookup failed", "ids", len(ids), "error", err)
		return
	}

	for i := range msgs {
		if p, ok := people[msgs[i].SenderID]; ok {
			p.ID = msgs[i].SenderID
			msgs[i].Sender = p
		}
		if p, ok := people[msgs[i].RecipientID]; ok {
			p.ID = msgs[i].RecipientID
			msgs[i].Recipient = p
		}
	}
}

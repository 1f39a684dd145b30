package hub

import (
	"drocsid-backend/internal/models"
)

// The database mirrors the in-memory replica set so history survives a relay
// restart. Writes are best-effort: a failed mirror write narrows durability,
// not correctness, so it is logged and the handler turn continues.

func (h *Hub) persistServer(server models.Server) {
	var exists bool
	err := h.db.QueryRow("SELECT EXISTS(SELECT 1 FROM servers WHERE id = ?)", server.ID).Scan(&exists)
	if err != nil {
		h.sugar.Error(err)
		return
	}

	if exists {
		_, err = h.db.Exec("UPDATE servers SET owner_id = ?, name = ?, icon = ? WHERE id = ?",
			server.OwnerID, server.Name, server.Icon, server.ID)
	} else {
		_, err = h.db.Exec("INSERT INTO servers (id, owner_id, name, icon) VALUES (?, ?, ?, ?)",
			server.ID, server.OwnerID, server.Name, server.Icon)
	}
	if err != nil {
		h.sugar.Error(err)
		return
	}

	for _, channel := range server.Channels {
		var channelExists bool
		err = h.db.QueryRow("SELECT EXISTS(SELECT 1 FROM channels WHERE id = ?)", channel.ID).Scan(&channelExists)
		if err != nil {
			h.sugar.Error(err)
			continue
		}
		if channelExists {
			continue
		}
		_, err = h.db.Exec("INSERT INTO channels (id, server_id, name, type) VALUES (?, ?, ?, ?)",
			channel.ID, server.ID, channel.Name, channel.Type)
		if err != nil {
			h.sugar.Error(err)
		}
	}

	for _, userID := range server.Members {
		h.persistMember(server.ID, userID)
	}
}

func (h *Hub) persistMember(serverID string, userID string) {
	var exists bool
	err := h.db.QueryRow("SELECT EXISTS(SELECT 1 FROM server_members WHERE server_id = ? AND user_id = ?)",
		serverID, userID).Scan(&exists)
	if err != nil {
		h.sugar.Error(err)
		return
	}
	if exists {
		return
	}

	_, err = h.db.Exec("INSERT INTO server_members (server_id, user_id) VALUES (?, ?)", serverID, userID)
	if err != nil {
		h.sugar.Error(err)
	}
}

// persistMessage appends to the per-channel history, deduplicating by id so a
// replayed envelope can't double the record.
func (h *Hub) persistMessage(message models.Message) {
	var exists bool
	err := h.db.QueryRow("SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)", message.ID).Scan(&exists)
	if err != nil {
		h.sugar.Error(err)
		return
	}
	if exists {
		return
	}

	_, err = h.db.Exec(
		"INSERT INTO messages (id, channel_id, author_id, author_nickname, author_avatar, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		message.ID, message.ChannelID, message.Author.ID, message.Author.Nickname,
		message.Author.Avatar, message.Content, message.Timestamp)
	if err != nil {
		h.sugar.Error(err)
	}
}

// Messages returns the persisted history of channelID in arrival order.
func (h *Hub) Messages(channelID string) ([]models.Message, error) {
	rows, err := h.db.Query(
		"SELECT id, channel_id, author_id, author_nickname, author_avatar, content, created_at FROM messages WHERE channel_id = ? ORDER BY created_at, id",
		channelID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			h.sugar.Error(err)
		}
	}()

	messages := []models.Message{}
	for rows.Next() {
		var message models.Message
		err = rows.Scan(&message.ID, &message.ChannelID, &message.Author.ID,
			&message.Author.Nickname, &message.Author.Avatar, &message.Content, &message.Timestamp)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// LoadServers restores the replica set from the database, called once at
// startup.
func (h *Hub) LoadServers() error {
	rows, err := h.db.Query("SELECT id, owner_id, name, icon FROM servers")
	if err != nil {
		return err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			h.sugar.Error(err)
		}
	}()

	var servers []models.Server
	for rows.Next() {
		var server models.Server
		if err := rows.Scan(&server.ID, &server.OwnerID, &server.Name, &server.Icon); err != nil {
			return err
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range servers {
		if err := h.loadServerDetails(&servers[i]); err != nil {
			return err
		}
	}

	h.mutex.Lock()
	for _, server := range servers {
		h.servers[server.ID] = server
	}
	h.mutex.Unlock()

	h.sugar.Debugf("Loaded %d servers from database", len(servers))
	return nil
}

func (h *Hub) loadServerDetails(server *models.Server) error {
	channelRows, err := h.db.Query("SELECT id, name, type FROM channels WHERE server_id = ?", server.ID)
	if err != nil {
		return err
	}
	for channelRows.Next() {
		channel := models.Channel{ServerID: server.ID}
		if err := channelRows.Scan(&channel.ID, &channel.Name, &channel.Type); err != nil {
			_ = channelRows.Close()
			return err
		}
		server.Channels = append(server.Channels, channel)
	}
	if err := channelRows.Close(); err != nil {
		return err
	}
	if err := channelRows.Err(); err != nil {
		return err
	}

	memberRows, err := h.db.Query("SELECT user_id FROM server_members WHERE server_id = ?", server.ID)
	if err != nil {
		return err
	}
	for memberRows.Next() {
		var userID string
		if err := memberRows.Scan(&userID); err != nil {
			_ = memberRows.Close()
			return err
		}
		server.Members = append(server.Members, userID)
	}
	if err := memberRows.Close(); err != nil {
		return err
	}
	return memberRows.Err()
}

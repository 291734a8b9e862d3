package camera

import (
	"context"
	"fmt"

	"github.com/Spatial-NVR/camerabridge/internal/config"
	"github.com/Spatial-NVR/camerabridge/internal/database"
)

// Store persists cameras registered at runtime
type Store interface {
	Save(ctx context.Context, cam config.CameraConfig) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]config.CameraConfig, error)
}

// SQLStore keeps cameras in the SQLite cameras table. Passwords are stored
// sealed.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a store on a migrated database
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Save inserts or replaces cam
func (s *SQLStore) Save(ctx context.Context, cam config.CameraConfig) error {
	password, err := config.SealPassword(cam.Password)
	if err != nil {
		return fmt.Errorf("failed to seal password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cameras (id, name, ip, http_port, rtsp_port, username, password,
		                     protocol, ws_port, fps, bitrate, stream_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			ip = excluded.ip,
			http_port = excluded.http_port,
			rtsp_port = excluded.rtsp_port,
			username = excluded.username,
			password = excluded.password,
			protocol = excluded.protocol,
			ws_port = excluded.ws_port,
			fps = excluded.fps,
			bitrate = excluded.bitrate,
			stream_url = excluded.stream_url,
			updated_at = unixepoch()
	`, cam.ID, cam.Name, cam.IP, cam.HTTPPort, cam.RTSPPort, cam.Username, password,
		cam.Protocol, cam.WSPort, cam.FPS, cam.Bitrate, cam.StreamURL)
	if err != nil {
		return fmt.Errorf("failed to save camera %s: %w", cam.ID, err)
	}
	return nil
}

// Delete removes a camera. Deleting an unknown id is not an error.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete camera %s: %w", id, err)
	}
	return nil
}

// List returns every stored camera ordered by creation
func (s *SQLStore) List(ctx context.Context) ([]config.CameraConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, ip, http_port, rtsp_port, username, password,
		       protocol, ws_port, fps, bitrate, stream_url
		FROM cameras
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cams []config.CameraConfig
	for rows.Next() {
		var cam config.CameraConfig
		if err := rows.Scan(&cam.ID, &cam.Name, &cam.IP, &cam.HTTPPort, &cam.RTSPPort,
			&cam.Username, &cam.Password, &cam.Protocol, &cam.WSPort, &cam.FPS,
			&cam.Bitrate, &cam.StreamURL); err != nil {
			return nil, err
		}
		if cam.Password, err = config.OpenPassword(cam.Password); err != nil {
			return nil, fmt.Errorf("camera %s: failed to open password: %w", cam.ID, err)
		}
		cams = append(cams, cam)
	}
	return cams, rows.Err()
}

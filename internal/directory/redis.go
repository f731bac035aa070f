package directory

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quartermasters/taxi-dispatch/internal/models"
)

// Redis backs the directory with Redis GEO commands plus a per-driver meta
// hash, so multiple API instances and the location consumer see one fleet.
type Redis struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedis(addr, password, key string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, key: key, ctx: context.Background()}
}

func (r *Redis) FindIdleCandidates(pickup models.Coord, radiusKm float64) []models.Driver {
	res, err := r.client.GeoRadius(r.ctx, r.key, pickup.Lng, pickup.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil || m["status"] != string(models.DriverIdle) {
			continue
		}
		lat, lng := g.Latitude, g.Longitude
		d := models.Driver{ID: g.Name, Status: models.DriverIdle, Lat: &lat, Lng: &lng}
		if v, ok := m["idle_since"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				d.IdleSince = ts
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdleSince.Before(out[j].IdleSince) })
	return out
}

func (r *Redis) MarkBusy(driverID string) error {
	return r.setStatus(driverID, models.DriverBusy, nil)
}

func (r *Redis) MarkIdle(driverID string) error {
	return r.setStatus(driverID, models.DriverIdle, map[string]interface{}{
		"idle_since": time.Now().Format(time.RFC3339Nano),
	})
}

func (r *Redis) SetOffline(driverID string) error {
	if err := r.setStatus(driverID, models.DriverOffline, nil); err != nil {
		return err
	}
	// drop from the geo set so radius queries stop returning it
	return r.client.ZRem(r.ctx, r.key, driverID).Err()
}

func (r *Redis) setStatus(driverID string, s models.DriverStatus, extra map[string]interface{}) error {
	prev, _ := r.client.HGet(r.ctx, metaKey(driverID), "status").Result()
	fields := map[string]interface{}{"status": string(s)}
	for k, v := range extra {
		fields[k] = v
	}
	if err := r.client.HSet(r.ctx, metaKey(driverID), fields).Err(); err != nil {
		return err
	}
	adjustIdleGauge(models.DriverStatus(prev), s)
	return nil
}

func (r *Redis) UpdateLocation(driverID string, lat, lng float64) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: lng, Latitude: lat, Name: driverID,
	}).Result()
}

func (r *Redis) Get(driverID string) (models.Driver, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(driverID)).Result()
	if err != nil || len(m) == 0 {
		return models.Driver{}, false
	}
	d := models.Driver{ID: driverID, Status: models.DriverStatus(m["status"])}
	if v, ok := m["idle_since"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.IdleSince = ts
		}
	}
	if pos, err := r.client.GeoPos(r.ctx, r.key, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		lat, lng := pos[0].Latitude, pos[0].Longitude
		d.Lat, d.Lng = &lat, &lng
	}
	return d, true
}

func metaKey(id string) string { return "driver:meta:" + id }

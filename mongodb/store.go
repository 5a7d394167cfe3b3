// Package mongodb implements a jobqueue store backed by MongoDB.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "jobqueue_jobs"

	// maxLeaseCandidates is the number of jobs Lease tries to claim
	// before giving up in a single call.
	maxLeaseCandidates = 5
)

// Store represents a MongoDB-based storage backend.
// It implements the jobqueue.Store and jobqueue.DeadLetterStore interfaces.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	letters        *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)
	st.letters = st.db.C(st.collectionName + "_dead_letters")
	return st, nil
}

// SetCollectionName overrides the default collection name. Dead letters
// are stored in the collection with the "_dead_letters" suffix.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// Start creates the indices.
func (s *Store) Start(ctx context.Context) error {
	indices := [][]string{
		{"queue", "state", "-priority", "run_at"},
		{"state", "lease_until"},
		{"parent_id"},
		{"-updated"},
	}
	for _, key := range indices {
		if err := s.coll.EnsureIndexKey(key...); err != nil {
			return err
		}
	}
	for _, key := range [][]string{{"queue", "status"}, {"failed_at"}} {
		if err := s.letters.EnsureIndexKey(key...); err != nil {
			return err
		}
	}
	return nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to jobqueue-specific "not found" error
		return jobqueue.ErrNotFound
	}
	if mgo.IsDup(err) {
		return jobqueue.ErrDuplicateJob
	}
	return err
}

// exists returns true if a document with the given id exists in coll.
func exists(coll *mgo.Collection, id string) (bool, error) {
	n, err := coll.FindId(id).Count()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *jobqueue.Job) error {
	j, err := newJob(job)
	if err != nil {
		return err
	}
	return s.wrapError(s.coll.Insert(j))
}

// Lease claims the next eligible job of the queue.
func (s *Store) Lease(ctx context.Context, queue string, req *jobqueue.LeaseRequest) (*jobqueue.Job, error) {
	query := bson.M{
		"queue":            queue,
		"state":            bson.M{"$in": []string{jobqueue.Waiting, jobqueue.Delayed}},
		"pending_children": 0,
		"run_at":           bson.M{"$lte": req.Now.UnixNano()},
	}
	for i := 0; i < maxLeaseCandidates; i++ {
		var j Job
		err := s.coll.Find(query).Sort("-priority", "run_at", "created").One(&j)
		if err == mgo.ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, s.wrapError(err)
		}
		job, err := j.ToJob()
		if err != nil {
			return nil, err
		}
		req.Apply(job)

		// Claim the job only if nobody else did in the meantime.
		err = s.coll.Update(
			bson.M{"_id": job.ID, "state": bson.M{"$in": []string{jobqueue.Waiting, jobqueue.Delayed}}},
			bson.M{"$set": bson.M{
				"state":       job.State,
				"lease_token": job.LeaseToken,
				"lease_until": toNanos(job.LeaseUntil),
				"worker_id":   job.WorkerID,
				"started":     toNanos(job.Started),
				"updated":     toNanos(job.Updated),
			}},
		)
		if err == mgo.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, s.wrapError(err)
		}
		return job, nil
	}
	return nil, nil
}

// Update updates the job in the store.
func (s *Store) Update(ctx context.Context, job *jobqueue.Job) error {
	j, err := newJob(job)
	if err != nil {
		return err
	}
	if job.State != jobqueue.Active {
		j.LeaseToken = ""
		j.LeaseUntil = 0
		j.WorkerID = ""
	}
	err = s.coll.Update(bson.M{
		"_id": job.ID,
		"$or": []bson.M{
			{"state": bson.M{"$ne": jobqueue.Active}},
			{"lease_token": job.LeaseToken},
		},
	}, j)
	if err != mgo.ErrNotFound {
		return s.wrapError(err)
	}
	found, err := exists(s.coll, job.ID)
	if err != nil {
		return s.wrapError(err)
	}
	if found {
		return jobqueue.ErrLeaseLost
	}
	return jobqueue.ErrNotFound
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.coll.RemoveId(id)
	if err == mgo.ErrNotFound {
		return nil
	}
	return s.wrapError(err)
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobqueue.Job, error) {
	var j Job
	err := s.coll.FindId(id).One(&j)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return j.ToJob()
}

// List returns a list of all jobs stored in the data store.
func (s *Store) List(ctx context.Context, request *jobqueue.ListRequest) (*jobqueue.ListResponse, error) {
	rsp := &jobqueue.ListResponse{}

	// Common filters for both Count and Find
	query := bson.M{}
	if request.Queue != "" {
		query["queue"] = request.Queue
	}
	if request.State != "" {
		query["state"] = request.State
	}
	if request.ParentID != "" {
		query["parent_id"] = request.ParentID
	}

	// Count
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	var list []*Job
	err = s.coll.Find(query).Sort("-updated", "_id").Skip(request.Offset).Limit(request.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, j := range list {
		job, err := j.ToJob()
		if err != nil {
			return nil, s.wrapError(err)
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context, req *jobqueue.StatsRequest) (*jobqueue.Stats, error) {
	match := bson.M{}
	if req.Queue != "" {
		match["queue"] = req.Queue
	}
	var counts []struct {
		State string `bson:"_id"`
		Count int    `bson:"count"`
	}
	err := s.coll.Pipe([]bson.M{
		{"$match": match},
		{"$group": bson.M{"_id": "$state", "count": bson.M{"$sum": 1}}},
	}).All(&counts)
	if err != nil {
		return nil, s.wrapError(err)
	}
	stats := new(jobqueue.Stats)
	for _, c := range counts {
		stats.Add(c.State, c.Count)
	}
	return stats, nil
}

// ResolveChild decrements the pending children counter of the parent.
func (s *Store) ResolveChild(ctx context.Context, parentID string) error {
	err := s.coll.Update(
		bson.M{"_id": parentID, "pending_children": bson.M{"$gt": 0}},
		bson.M{
			"$inc": bson.M{"pending_children": -1},
			"$set": bson.M{"updated": time.Now().UnixNano()},
		},
	)
	if err != mgo.ErrNotFound {
		return s.wrapError(err)
	}
	found, err := exists(s.coll, parentID)
	if err != nil {
		return s.wrapError(err)
	}
	if !found {
		return jobqueue.ErrNotFound
	}
	return nil
}

// RecoverExpired returns jobs with an expired lease to the waiting state.
func (s *Store) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	info, err := s.coll.UpdateAll(
		bson.M{"state": jobqueue.Active, "lease_until": bson.M{"$lte": now.UnixNano()}},
		bson.M{"$set": bson.M{
			"state":       jobqueue.Waiting,
			"lease_token": "",
			"lease_until": int64(0),
			"worker_id":   "",
			"updated":     now.UnixNano(),
		}},
	)
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Updated, nil
}

// Clean removes jobs matching the request.
func (s *Store) Clean(ctx context.Context, req *jobqueue.CleanRequest) (int, error) {
	if len(req.States) == 0 {
		return 0, nil
	}
	query := bson.M{"queue": req.Queue, "state": bson.M{"$in": req.States}}
	if !req.Before.IsZero() {
		query["updated"] = bson.M{"$lt": req.Before.UnixNano()}
	}
	info, err := s.coll.RemoveAll(query)
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Removed, nil
}

// -- Dead letters --

// CreateDeadLetter adds a dead letter record.
func (s *Store) CreateDeadLetter(ctx context.Context, r *jobqueue.DeadLetter) error {
	d, err := newDeadLetter(r)
	if err != nil {
		return err
	}
	return s.wrapError(s.letters.Insert(d))
}

// UpdateDeadLetter updates a dead letter record.
func (s *Store) UpdateDeadLetter(ctx context.Context, r *jobqueue.DeadLetter) error {
	d, err := newDeadLetter(r)
	if err != nil {
		return err
	}
	return s.wrapError(s.letters.UpdateId(r.ID, d))
}

// UpdateDeadLetterIf updates a dead letter record if it still has the given status.
func (s *Store) UpdateDeadLetterIf(ctx context.Context, r *jobqueue.DeadLetter, status string) error {
	d, err := newDeadLetter(r)
	if err != nil {
		return err
	}
	err = s.letters.Update(bson.M{"_id": r.ID, "status": status}, d)
	if err == mgo.ErrNotFound {
		found, err := exists(s.letters, r.ID)
		if err != nil {
			return err
		}
		if found {
			return jobqueue.ErrInvalidState
		}
		return jobqueue.ErrNotFound
	}
	return s.wrapError(err)
}

// LookupDeadLetter returns the record with the specified identifier (or ErrNotFound).
func (s *Store) LookupDeadLetter(ctx context.Context, id string) (*jobqueue.DeadLetter, error) {
	var d DeadLetter
	if err := s.letters.FindId(id).One(&d); err != nil {
		return nil, s.wrapError(err)
	}
	return d.ToDeadLetter()
}

// ListDeadLetters finds matching dead letter records.
func (s *Store) ListDeadLetters(ctx context.Context, req *jobqueue.DeadLetterListRequest) (*jobqueue.DeadLetterListResponse, error) {
	rsp := &jobqueue.DeadLetterListResponse{}
	query := bson.M{}
	if req.Queue != "" {
		query["queue"] = req.Queue
	}
	if req.Status != "" {
		query["status"] = req.Status
	}
	count, err := s.letters.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	order := "-failed_at"
	if req.Ascending {
		order = "failed_at"
	}
	var list []*DeadLetter
	err = s.letters.Find(query).Sort(order, "_id").Skip(req.Offset).Limit(req.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, d := range list {
		r, err := d.ToDeadLetter()
		if err != nil {
			return nil, err
		}
		rsp.Records = append(rsp.Records, r)
	}
	return rsp, nil
}

// DeleteDeadLetters removes records that failed before the given time.
func (s *Store) DeleteDeadLetters(ctx context.Context, before time.Time) (int, error) {
	info, err := s.letters.RemoveAll(bson.M{"failed_at": bson.M{"$lt": before.UnixNano()}})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Removed, nil
}

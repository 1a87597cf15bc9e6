package history

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
		base   time.Time
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		base = time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveRecord", func() {
		var (
			record *Record
			err    error
		)

		BeforeEach(func() {
			record = &Record{
				ID:         "rec-1",
				Attempt:    1,
				UserID:     "user-1",
				Source:     "camera",
				FileName:   "image_1718006400000.jpg",
				Disease:    "Black Pod",
				Confidence: 0.92,
				CreatedAt:  base,
			}
		})

		JustBeforeEach(func() {
			err = db.SaveRecord(record)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the record to the database", func() {
				saved, getErr := db.GetRecord("rec-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Disease).To(Equal("Black Pod"))
				Expect(saved.Confidence).To(Equal(0.92))
				Expect(saved.CreatedAt).To(BeTemporally("==", base))
			})
		})

		When("the record has no user", func() {
			BeforeEach(func() {
				record.UserID = ""
			})

			It("returns an error", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("GetRecord", func() {
		When("the record does not exist", func() {
			It("returns ErrNotFound", func() {
				_, err := db.GetRecord("nonexistent")
				Expect(err).To(MatchError(ErrNotFound))
				Expect(err).To(MatchError(ContainSubstring("nonexistent")))
			})
		})
	})

	Describe("ListRecords", func() {
		var (
			userID  string
			limit   int
			records []*Record
			err     error
		)

		BeforeEach(func() {
			userID = "user-1"
			limit = 0
			for i, id := range []string{"old", "middle", "new"} {
				Expect(db.SaveRecord(&Record{ID: id, UserID: "user-1", CreatedAt: base.Add(time.Duration(i) * time.Minute)})).To(Succeed())
			}
			Expect(db.SaveRecord(&Record{ID: "other", UserID: "user-2", CreatedAt: base.Add(time.Hour)})).To(Succeed())
		})

		JustBeforeEach(func() {
			records, err = db.ListRecords(userID, limit)
		})

		It("returns only the user's records, newest first", func() {
			Expect(err).NotTo(HaveOccurred())
			ids := []string{}
			for _, r := range records {
				ids = append(ids, r.ID)
			}
			Expect(ids).To(Equal([]string{"new", "middle", "old"}))
		})

		When("a limit is given", func() {
			BeforeEach(func() {
				limit = 2
			})

			It("stops after that many", func() {
				Expect(records).To(HaveLen(2))
				Expect(records[0].ID).To(Equal("new"))
			})
		})

		When("the user has no records", func() {
			BeforeEach(func() {
				userID = "nobody"
			})

			It("returns an empty list", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(BeEmpty())
			})
		})
	})

	It("keeps records across reopening", func() {
		Expect(db.SaveRecord(&Record{ID: "persisted", UserID: "user-1", CreatedAt: base})).To(Succeed())
		Expect(db.Close()).To(Succeed())

		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())

		record, err := db.GetRecord("persisted")
		Expect(err).NotTo(HaveOccurred())
		Expect(record.UserID).To(Equal("user-1"))
	})
})

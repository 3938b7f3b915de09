package services

import (
	"github.com/mrsentinel/mrsentinel/internal/models"
	"gorm.io/gorm"
)

// ReviewLogService manages review history records.
type ReviewLogService struct {
	db *gorm.DB
}

func NewReviewLogService(db *gorm.DB) *ReviewLogService {
	return &ReviewLogService{db: db}
}

func (s *ReviewLogService) Create(log *models.ReviewLog) error {
	return s.db.Create(log).Error
}

func (s *ReviewLogService) Update(log *models.ReviewLog) error {
	return s.db.Save(log).Error
}

func (s *ReviewLogService) GetByID(id uint) (*models.ReviewLog, error) {
	var log models.ReviewLog
	if err := s.db.First(&log, id).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

type ReviewLogListRequest struct {
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
	ProjectID int64  `form:"project_id"`
	Status    string `form:"status"`
	Username  string `form:"username"`
}

type ReviewLogListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.ReviewLog `json:"items"`
}

func (s *ReviewLogService) List(req *ReviewLogListRequest) (*ReviewLogListResponse, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.Model(&models.ReviewLog{})
	if req.ProjectID > 0 {
		query = query.Where("project_id = ?", req.ProjectID)
	}
	if req.Status != "" {
		query = query.Where("review_status = ?", req.Status)
	}
	if req.Username != "" {
		query = query.Where("username = ?", req.Username)
	}

	var total int64
	query.Count(&total)

	var items []models.ReviewLog
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, err
	}

	return &ReviewLogListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    items,
	}, nil
}

// CountByStatus returns the number of review logs in the given statuses.
func (s *ReviewLogService) CountByStatus(statuses ...string) (int64, error) {
	var count int64
	err := s.db.Model(&models.ReviewLog{}).
		Where("review_status IN ?", statuses).
		Count(&count).Error
	return count, err
}

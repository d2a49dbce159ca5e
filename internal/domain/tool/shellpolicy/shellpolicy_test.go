package shellpolicy

import "testing"

func TestValidate_Blocks(t *testing.T) {
	blocked := []string{
		"git push --force",
		"git push -f origin main",
		"git reset --hard HEAD~3",
		"git clean -fdx",
		"git checkout -- *",
		"git branch -D feature/old",
		"git commit --no-verify -m wip",
		"rm -rf /",
		"rm -fr ./build",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"",
		"   ",
	}
	for _, cmd := range blocked {
		if err := Validate(cmd); err == nil {
			t.Errorf("expected Validate(%q) to be blocked, got nil", cmd)
		}
	}
}

func TestValidate_Allows(t *testing.T) {
	allowed := []string{
		"git status",
		"git diff HEAD~1",
		"git log --oneline -10",
		"git push origin feature/my-branch",
		"echo hi",
		"ls -la",
		"rm ./tmpfile.txt",
	}
	for _, cmd := range allowed {
		if err := Validate(cmd); err != nil {
			t.Errorf("expected Validate(%q) to pass, got error: %v", cmd, err)
		}
	}
}

func TestValidate_NoSubprocessOnBlock(t *testing.T) {
	// Validate must be a pure check with no side effects — calling it
	// repeatedly on the same blocked command must not spawn anything and
	// must consistently return an error.
	for i := 0; i < 3; i++ {
		if err := Validate("git push --force"); err == nil {
			t.Fatalf("iteration %d: expected block", i)
		}
	}
}
